package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when broadcasting on a closed transport.
var ErrClosed = errors.New("transport closed")

// ErrUnavailable is returned while a transport is reconnecting. The batch
// is lost; later batches go through once the link is back.
var ErrUnavailable = errors.New("transport unavailable")

// Transport delivers batches to every participant. Broadcast stamps the
// local participant as sender; Deliveries yields inbound batches with
// Sender set to whoever sent them, possibly including this participant.
type Transport interface {
	Broadcast(ctx context.Context, b RowBatch) error
	Deliveries() <-chan RowBatch
	Close() error
}

// Hub is an in-process broadcast domain. Every endpoint joined to it
// receives every batch, including its own.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*HubEndpoint]struct{}
	dropped   atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[*HubEndpoint]struct{})}
}

// Join adds a participant. queue bounds undelivered batches; batches
// beyond it are dropped for that endpoint.
func (h *Hub) Join(id ParticipantID, queue int) *HubEndpoint {
	if queue <= 0 {
		queue = 64
	}
	e := &HubEndpoint{hub: h, id: id, ch: make(chan RowBatch, queue)}
	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	return e
}

// Dropped returns the number of batches dropped on full queues.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) fanOut(b RowBatch) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for e := range h.endpoints {
		select {
		case e.ch <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) leave(e *HubEndpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[e]; !ok {
		return false
	}
	delete(h.endpoints, e)
	close(e.ch)
	return true
}

// HubEndpoint is one participant's Transport on a Hub.
type HubEndpoint struct {
	hub *Hub
	id  ParticipantID
	ch  chan RowBatch
}

// Broadcast sends b to every endpoint as this participant. Samples are
// copied so receivers never share the caller's slice.
func (e *HubEndpoint) Broadcast(ctx context.Context, b RowBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.RLock()
	_, ok := e.hub.endpoints[e]
	e.hub.mu.RUnlock()
	if !ok {
		return ErrClosed
	}
	b.Sender = e.id
	b.Samples = append([]uint16(nil), b.Samples...)
	e.hub.fanOut(b)
	return nil
}

func (e *HubEndpoint) Deliveries() <-chan RowBatch { return e.ch }

// Close leaves the hub and closes Deliveries.
func (e *HubEndpoint) Close() error {
	e.hub.leave(e)
	return nil
}
