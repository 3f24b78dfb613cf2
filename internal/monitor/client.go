package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/depthmesh/internal/db"
	"github.com/banshee-data/depthmesh/internal/httputil"
	"github.com/banshee-data/depthmesh/internal/session"
)

// Client calls another node's monitor API.
type Client struct {
	HTTP    httputil.HTTPClient
	BaseURL string
}

// NewClient returns a client for baseURL. A nil httpClient uses a
// 10-second timeout client.
func NewClient(httpClient httputil.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{HTTP: httpClient, BaseURL: strings.TrimRight(baseURL, "/")}
}

// ExportResponse is the reply to a trigger request.
type ExportResponse struct {
	Queued bool   `json:"queued"`
	Base   string `json:"base"`
}

// TriggerExport asks the node to export its mesh. An empty base uses the
// node's configured name.
func (c *Client) TriggerExport(ctx context.Context, base string) (ExportResponse, error) {
	payload, _ := json.Marshal(exportRequest{Base: base})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/export", bytes.NewReader(payload))
	if err != nil {
		return ExportResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out ExportResponse
	if err := c.do(req, &out); err != nil {
		return ExportResponse{}, err
	}
	return out, nil
}

// Status fetches the node's session status.
func (c *Client) Status(ctx context.Context) (session.Status, error) {
	var st session.Status
	err := c.get(ctx, "/api/status", &st)
	return st, err
}

// Exports fetches up to limit recent exports.
func (c *Client) Exports(ctx context.Context, limit int) ([]db.Export, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/exports"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []db.Export
	err := c.get(ctx, path, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v interface{}) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	return httputil.DecodeResponse(resp, v)
}
