// Package relay fans row batches out through a central gRPC hub. Every
// participant holds one bidirectional Exchange stream; whatever one
// participant sends, every connected participant receives, itself
// included.
package relay

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/banshee-data/depthmesh/internal/stream"
)

const (
	serviceName    = "depthmesh.relay.Relay"
	exchangeMethod = "/" + serviceName + "/Exchange"

	// ParticipantMetadataKey carries the caller's identity on the stream.
	ParticipantMetadataKey = "participant-id"

	maxMsgSize = 16 * 1024 * 1024
)

// exchangeServer is the service implementation type.
type exchangeServer interface {
	Exchange(grpc.ServerStream) error
}

func exchangeHandler(srv interface{}, ss grpc.ServerStream) error {
	return srv.(exchangeServer).Exchange(ss)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "depthmesh/relay.proto",
}

// batchCodec encodes *stream.RowBatch messages with the stream wire
// format.
type batchCodec struct{}

var _ encoding.Codec = batchCodec{}

func (batchCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*stream.RowBatch)
	if !ok {
		return nil, fmt.Errorf("relay codec: cannot marshal %T", v)
	}
	return stream.MarshalBatch(*b), nil
}

func (batchCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*stream.RowBatch)
	if !ok {
		return fmt.Errorf("relay codec: cannot unmarshal into %T", v)
	}
	decoded, err := stream.UnmarshalBatch(data)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

func (batchCodec) Name() string { return "rowbatch" }
