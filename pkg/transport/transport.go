// Package transport moves JSON-RPC 2.0 messages between the gateway
// and tool servers. Three transports are supported: stdio (spawned
// subprocess, newline-delimited frames), HTTP (stateless POST) and
// WebSocket (persistent connection). All of them correlate responses
// to requests by id, so out-of-order replies resolve the right waiter.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/pkg/protocol"
)

// Kind names a transport mechanism. Values are stored lowercase in the
// registry and in server manifests.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
)

// ParseKind accepts any casing and returns the canonical Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio":
		return KindStdio, nil
	case "http":
		return KindHTTP, nil
	case "websocket", "ws":
		return KindWebSocket, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", s)
	}
}

// DefaultRequestTimeout bounds how long Send waits for a response when
// the caller's context carries no earlier deadline.
const DefaultRequestTimeout = 60 * time.Second

// Config carries everything needed to reach one tool server.
type Config struct {
	Kind    Kind
	Command string            // stdio: executable
	Args    []string          // stdio: argv
	Env     map[string]string // stdio: extra environment
	URL     string            // http/websocket: endpoint
	Headers map[string]string // http/websocket: extra request headers
	Timeout time.Duration     // per-request wait, 0 means DefaultRequestTimeout
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultRequestTimeout
}

// Transport is the uniform contract the client layer programs against.
// Send returns the peer's response, which may itself carry a JSON-RPC
// error; transport-level failures (not connected, timeout, connection
// loss) are returned as *protocol.Error values.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Send(ctx context.Context, method string, params any) (*protocol.Response, error)
	Notify(ctx context.Context, method string, params any) error
	Kind() Kind
}

// New builds a transport for cfg. The returned transport is not yet
// connected.
func New(cfg Config, log *slog.Logger) (Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Kind {
	case KindStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return newStdio(cfg, log), nil
	case KindHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		return newHTTP(cfg, log), nil
	case KindWebSocket:
		if cfg.URL == "" {
			return nil, fmt.Errorf("websocket transport requires a url")
		}
		return newWebSocket(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Kind)
	}
}

// ------------------------------------------------------------------
// Request ids
// ------------------------------------------------------------------

var requestCounter atomic.Int64

// nextRequestID returns a process-unique JSON-RPC id.
func nextRequestID() int64 { return requestCounter.Add(1) }

// ------------------------------------------------------------------
// Pending-call correlation
// ------------------------------------------------------------------

type pendingResult struct {
	resp *protocol.Response
	err  error
}

// pendingSet maps in-flight request ids to their waiters. The stdio
// and websocket readers resolve entries as responses arrive, in
// whatever order the server produces them.
type pendingSet struct {
	mu      sync.Mutex
	waiters map[string]chan pendingResult
}

func newPendingSet() *pendingSet {
	return &pendingSet{waiters: make(map[string]chan pendingResult)}
}

func (p *pendingSet) add(key string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.waiters[key] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingSet) drop(key string) {
	p.mu.Lock()
	delete(p.waiters, key)
	p.mu.Unlock()
}

// resolve hands resp to the waiter registered for its id. Returns
// false when nobody is waiting (late or unsolicited response).
func (p *pendingSet) resolve(resp *protocol.Response) bool {
	key := protocol.IDKey(resp.ID)
	p.mu.Lock()
	ch, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingResult{resp: resp}
	return true
}

// failAll wakes every waiter with err and clears the set. Used when
// the connection drops.
func (p *pendingSet) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan pendingResult)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- pendingResult{err: err}
	}
}

// await blocks until the waiter resolves, the context ends, or the
// timeout fires. The waiter is deregistered on every exit path.
func await(ctx context.Context, p *pendingSet, key string, ch chan pendingResult, timeout time.Duration) (*protocol.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		p.drop(key)
		return nil, ctx.Err()
	case <-timer.C:
		p.drop(key)
		return nil, &protocol.Error{
			Code:    protocol.ErrTimeout,
			Message: fmt.Sprintf("request timed out after %s", timeout),
		}
	}
}

func errDisconnected(detail string) *protocol.Error {
	return &protocol.Error{Code: protocol.ErrDisconnected, Message: detail}
}
