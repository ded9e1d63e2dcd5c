package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolgate/toolgate/pkg/protocol"
)

// WebSocket keeps one persistent connection per server. A reader
// goroutine dispatches responses by id exactly like the stdio
// transport; writes share a mutex because the connection allows only
// one concurrent writer.
type WebSocket struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex // serializes writes and guards conn
	conn *websocket.Conn

	pend       *pendingSet
	connected  atomic.Bool
	readerDone chan struct{}
}

func newWebSocket(cfg Config, log *slog.Logger) *WebSocket {
	return &WebSocket{
		cfg:  cfg,
		log:  log.With("transport", "websocket", "url", cfg.URL),
		pend: newPendingSet(),
	}
}

func (w *WebSocket) Kind() Kind      { return KindWebSocket }
func (w *WebSocket) Connected() bool { return w.connected.Load() }

// Connect dials the server and starts the response reader. http(s)
// URLs are rewritten to ws(s) so manifests can use either form.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected.Load() {
		return nil
	}
	wsURL, err := toWSScheme(w.cfg.URL)
	if err != nil {
		return err
	}
	header := http.Header{}
	for k, v := range w.cfg.Headers {
		header.Set(k, v)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	w.conn = conn
	w.readerDone = make(chan struct{})
	w.connected.Store(true)
	go w.readLoop(conn)
	w.log.Debug("connected")
	return nil
}

func toWSScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.log.Debug("connection closed", "error", err)
			break
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			w.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if resp.ID == nil {
			continue
		}
		if !w.pend.resolve(&resp) {
			w.log.Warn("response with unknown id", "id", resp.ID)
		}
	}
	w.connected.Store(false)
	w.pend.failAll(errDisconnected("connection lost"))
	close(w.readerDone)
}

func (w *WebSocket) Send(ctx context.Context, method string, params any) (*protocol.Response, error) {
	if !w.connected.Load() {
		return nil, errDisconnected("not connected")
	}
	id := nextRequestID()
	key := protocol.IDKey(id)
	ch := w.pend.add(key)
	if err := w.writeFrame(protocol.NewRequest(id, method, params)); err != nil {
		w.pend.drop(key)
		return nil, err
	}
	return await(ctx, w.pend, key, ch, w.cfg.timeout())
}

func (w *WebSocket) Notify(ctx context.Context, method string, params any) error {
	if !w.connected.Load() {
		return errDisconnected("not connected")
	}
	return w.writeFrame(protocol.NewNotification(method, params))
}

func (w *WebSocket) writeFrame(req *protocol.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return errDisconnected("not connected")
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errDisconnected(fmt.Sprintf("write failed: %v", err))
	}
	return nil
}

// Disconnect sends a close frame and tears the connection down.
// Outstanding calls fail with a disconnected error.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	w.connected.Store(false)
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()
	if w.readerDone != nil {
		<-w.readerDone
	}
	return err
}
