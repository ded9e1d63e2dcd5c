package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/toolgate/toolgate/pkg/protocol"
)

// HTTP posts each JSON-RPC request as its own exchange. Nothing
// survives between calls, so Connect only validates the endpoint and
// builds the shared client.
type HTTP struct {
	cfg       Config
	log       *slog.Logger
	client    *http.Client
	connected atomic.Bool
}

func newHTTP(cfg Config, log *slog.Logger) *HTTP {
	return &HTTP{cfg: cfg, log: log.With("transport", "http", "url", cfg.URL)}
}

func (h *HTTP) Kind() Kind      { return KindHTTP }
func (h *HTTP) Connected() bool { return h.connected.Load() }

func (h *HTTP) Connect(ctx context.Context) error {
	u, err := url.Parse(h.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	h.client = &http.Client{Timeout: h.cfg.timeout()}
	h.connected.Store(true)
	return nil
}

func (h *HTTP) Disconnect() error {
	h.connected.Store(false)
	if h.client != nil {
		h.client.CloseIdleConnections()
	}
	return nil
}

func (h *HTTP) Send(ctx context.Context, method string, params any) (*protocol.Response, error) {
	if !h.connected.Load() {
		return nil, errDisconnected("not connected")
	}
	body, err := h.roundTrip(ctx, protocol.NewRequest(nextRequestID(), method, params))
	if err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (h *HTTP) Notify(ctx context.Context, method string, params any) error {
	if !h.connected.Load() {
		return errDisconnected("not connected")
	}
	_, err := h.roundTrip(ctx, protocol.NewNotification(method, params))
	return err
}

// roundTrip posts one JSON-RPC message and returns the raw body. A
// non-2xx status becomes a protocol error carrying the status code, so
// callers see HTTP failures through the same error shape as JSON-RPC
// failures.
func (h *HTTP) roundTrip(ctx context.Context, msg *protocol.Request) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errDisconnected(fmt.Sprintf("post failed: %v", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &protocol.Error{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("http status %s", resp.Status),
		}
	}
	return body, nil
}
