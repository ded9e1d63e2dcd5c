package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/pkg/protocol"
	"github.com/toolgate/toolgate/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport scripts responses per method and records what was sent.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	responses map[string]any   // method → result payload
	errors    map[string]error // method → transport failure
	rpcErrors map[string]*protocol.Error
	calls     []string
	lastCall  *protocol.ToolCallParams

	connectErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: map[string]any{
			protocol.MethodInitialize: protocol.InitializeResult{
				ProtocolVersion: protocol.ProtocolVersion,
				Capabilities:    map[string]json.RawMessage{"tools": json.RawMessage(`{}`)},
				ServerInfo:      protocol.EntityInfo{Name: "fake-server", Version: "1.2.3"},
			},
			protocol.MethodListTools: protocol.ToolsListResult{
				Tools: []protocol.ToolInfo{
					{Name: "read_file", InputSchema: map[string]any{"type": "object"}},
					{Name: "write_file", InputSchema: map[string]any{"type": "object"}},
				},
			},
			protocol.MethodCallTool: protocol.ToolCallResult{
				Content: []protocol.ContentBlock{{Type: "text", Text: "file contents"}},
			},
			protocol.MethodPing: map[string]any{},
		},
		errors:    make(map[string]error),
		rpcErrors: make(map[string]*protocol.Error),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(_ context.Context, method string, params any) (*protocol.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	if method == protocol.MethodCallTool {
		p := params.(protocol.ToolCallParams)
		f.lastCall = &p
	}
	f.mu.Unlock()

	if err, ok := f.errors[method]; ok {
		return nil, err
	}
	if rpcErr, ok := f.rpcErrors[method]; ok {
		return &protocol.Response{JSONRPC: "2.0", ID: float64(1), Error: rpcErr}, nil
	}
	raw, _ := json.Marshal(f.responses[method])
	return &protocol.Response{JSONRPC: "2.0", ID: float64(1), Result: raw}, nil
}

func (f *fakeTransport) Notify(_ context.Context, method string, _ any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Kind() transport.Kind { return transport.KindStdio }

func newTestClient(fake *fakeTransport) *Client {
	c := New("toolgate-test", "0.0.0", testLogger())
	c.retry.InitialDelay = time.Nanosecond // keep retry sleeps out of unit tests
	c.newTransport = func(transport.Config, *slog.Logger) (transport.Transport, error) {
		return fake, nil
	}
	return c
}

func TestClient_ConnectHandshake(t *testing.T) {
	fake := newFakeTransport()
	c := newTestClient(fake)

	if err := c.Connect(context.Background(), "srv", transport.Config{Kind: transport.KindStdio, Command: "x"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []string{protocol.MethodInitialize, protocol.MethodInitialized, protocol.MethodListTools}
	if len(fake.calls) != len(want) {
		t.Fatalf("handshake calls = %v, want %v", fake.calls, want)
	}
	for i, m := range want {
		if fake.calls[i] != m {
			t.Errorf("call[%d] = %s, want %s", i, fake.calls[i], m)
		}
	}

	if !c.Connected("srv") {
		t.Error("Connected = false after handshake")
	}
	tools := c.ServerTools("srv")
	if len(tools) != 2 || tools[0].Name != "read_file" {
		t.Errorf("tools = %v", tools)
	}

	info, ok := c.Info("srv")
	if !ok || !info.Initialized || info.ServerName != "fake-server" || info.ToolCount != 2 {
		t.Errorf("Info = %+v, ok=%v", info, ok)
	}
}

func TestClient_ConnectSkipsDiscoveryWithoutCapability(t *testing.T) {
	fake := newFakeTransport()
	fake.responses[protocol.MethodInitialize] = protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    map[string]json.RawMessage{},
	}
	c := newTestClient(fake)

	if err := c.Connect(context.Background(), "srv", transport.Config{Kind: transport.KindStdio, Command: "x"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, m := range fake.calls {
		if m == protocol.MethodListTools {
			t.Error("tools/list sent despite missing capability")
		}
	}
	if got := c.ServerTools("srv"); len(got) != 0 {
		t.Errorf("tools = %v, want none", got)
	}
}

func TestClient_ConnectFailsOnInitializeError(t *testing.T) {
	fake := newFakeTransport()
	fake.rpcErrors[protocol.MethodInitialize] = &protocol.Error{Code: protocol.ErrInternal, Message: "boom"}
	c := newTestClient(fake)

	err := c.Connect(context.Background(), "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if c.Connected("srv") {
		t.Error("session stored despite failed handshake")
	}
	if fake.Connected() {
		t.Error("transport left connected after failed handshake")
	}
}

func TestClient_Call(t *testing.T) {
	fake := newFakeTransport()
	c := newTestClient(fake)
	ctx := context.Background()

	if err := c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res := c.Call(ctx, "srv", "read_file", map[string]any{"path": "/etc/hosts"})
	if !res.Success {
		t.Fatalf("Call failed: %s (code %d)", res.Error, res.ErrorCode)
	}
	// The single text block is lifted to a plain string.
	if res.Content != "file contents" {
		t.Errorf("content = %v, want lifted text", res.Content)
	}
	if res.Metadata["server_id"] != "srv" || res.Metadata["tool_name"] != "read_file" {
		t.Errorf("metadata = %v", res.Metadata)
	}
	if fake.lastCall == nil || fake.lastCall.Name != "read_file" {
		t.Errorf("sent params = %+v", fake.lastCall)
	}
	if fake.lastCall.Arguments["path"] != "/etc/hosts" {
		t.Errorf("arguments = %v", fake.lastCall.Arguments)
	}
}

func TestClient_CallNonTextContent(t *testing.T) {
	fake := newFakeTransport()
	fake.responses[protocol.MethodCallTool] = protocol.ToolCallResult{
		Content: []protocol.ContentBlock{{Type: "image", Data: "aGk=", MimeType: "image/png"}},
	}
	c := newTestClient(fake)
	ctx := context.Background()
	c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})

	res := c.Call(ctx, "srv", "screenshot", nil)
	if !res.Success {
		t.Fatalf("Call failed: %s", res.Error)
	}
	blocks, ok := res.Content.([]protocol.ContentBlock)
	if !ok || len(blocks) != 1 || blocks[0].Type != "image" {
		t.Errorf("content = %#v, want raw blocks", res.Content)
	}
}

func TestClient_CallErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		c := newTestClient(newFakeTransport())
		res := c.Call(ctx, "ghost", "tool", nil)
		if res.Success || res.ErrorCode != protocol.ErrDisconnected {
			t.Errorf("res = %+v, want code %d", res, protocol.ErrDisconnected)
		}
	})

	t.Run("rpc error passthrough", func(t *testing.T) {
		fake := newFakeTransport()
		c := newTestClient(fake)
		c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})
		fake.rpcErrors[protocol.MethodCallTool] = &protocol.Error{Code: protocol.ErrInvalidParams, Message: "bad args"}

		res := c.Call(ctx, "srv", "tool", nil)
		if res.Success || res.ErrorCode != protocol.ErrInvalidParams || res.Error != "bad args" {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("transport timeout", func(t *testing.T) {
		fake := newFakeTransport()
		c := newTestClient(fake)
		c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})
		fake.errors[protocol.MethodCallTool] = &protocol.Error{Code: protocol.ErrTimeout, Message: "request timed out"}

		res := c.Call(ctx, "srv", "tool", nil)
		if res.Success || res.ErrorCode != protocol.ErrTimeout {
			t.Errorf("res = %+v, want code %d", res, protocol.ErrTimeout)
		}
	})

	t.Run("plain error maps to internal", func(t *testing.T) {
		fake := newFakeTransport()
		c := newTestClient(fake)
		c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})
		fake.errors[protocol.MethodCallTool] = fmt.Errorf("pipe burst")

		res := c.Call(ctx, "srv", "tool", nil)
		if res.Success || res.ErrorCode != protocol.ErrInternal {
			t.Errorf("res = %+v, want code %d", res, protocol.ErrInternal)
		}
	})
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	fake := newFakeTransport()
	c := newTestClient(fake)
	ctx := context.Background()
	c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})

	fake.errors[protocol.MethodCallTool] = fmt.Errorf("down")
	for i := 0; i < 5; i++ {
		c.Call(ctx, "srv", "tool", nil)
	}

	// Breaker is now open: the next call is rejected before reaching
	// the transport.
	before := len(fake.calls)
	res := c.Call(ctx, "srv", "tool", nil)
	if res.Success {
		t.Fatal("expected rejection")
	}
	if len(fake.calls) != before {
		t.Error("call reached transport while breaker open")
	}
}

// stallTransport blocks in Connect until released, signalling when the
// dial is in flight.
type stallTransport struct {
	*fakeTransport
	dialing chan struct{} // closed once Connect starts
	release chan struct{} // Connect proceeds when closed
}

func (s *stallTransport) Connect(ctx context.Context) error {
	close(s.dialing)
	<-s.release
	return s.fakeTransport.Connect(ctx)
}

func TestClient_ConnectDoesNotBlockCallsToOtherServers(t *testing.T) {
	fast := newFakeTransport()
	stalled := &stallTransport{
		fakeTransport: newFakeTransport(),
		dialing:       make(chan struct{}),
		release:       make(chan struct{}),
	}

	c := New("toolgate-test", "0.0.0", testLogger())
	c.retry.InitialDelay = time.Nanosecond
	c.newTransport = func(cfg transport.Config, _ *slog.Logger) (transport.Transport, error) {
		if cfg.Command == "slow" {
			return stalled, nil
		}
		return fast, nil
	}
	ctx := context.Background()

	if err := c.Connect(ctx, "fast", transport.Config{Kind: transport.KindStdio, Command: "fast"}); err != nil {
		t.Fatalf("Connect fast: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(ctx, "slow", transport.Config{Kind: transport.KindStdio, Command: "slow"})
	}()
	<-stalled.dialing

	// The slow dial is in flight; the healthy server must still answer.
	res := make(chan *CallResult, 1)
	go func() { res <- c.Call(ctx, "fast", "read_file", nil) }()
	select {
	case r := <-res:
		if !r.Success {
			t.Fatalf("Call failed: %s (code %d)", r.Error, r.ErrorCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call to healthy server blocked behind another server's connect")
	}

	close(stalled.release)
	if err := <-done; err != nil {
		t.Fatalf("Connect slow: %v", err)
	}
	if !c.Connected("slow") {
		t.Error("Connected(slow) = false after release")
	}
}

func TestClient_PingSharesCallBreaker(t *testing.T) {
	fake := newFakeTransport()
	c := newTestClient(fake)
	ctx := context.Background()
	c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})

	// Ping failures count toward the same breaker calls route through.
	fake.errors[protocol.MethodPing] = fmt.Errorf("down")
	for i := 0; i < 5; i++ {
		if c.Ping(ctx, "srv") {
			t.Fatal("Ping = true for failing server")
		}
	}

	// Breaker is open: neither pings nor calls reach the transport.
	before := len(fake.calls)
	if c.Ping(ctx, "srv") {
		t.Error("Ping = true while breaker open")
	}
	if res := c.Call(ctx, "srv", "tool", nil); res.Success {
		t.Error("Call succeeded while breaker open")
	}
	if len(fake.calls) != before {
		t.Error("request reached transport while breaker open")
	}
}

func TestClient_DisconnectAndPing(t *testing.T) {
	fake := newFakeTransport()
	c := newTestClient(fake)
	ctx := context.Background()
	c.Connect(ctx, "srv", transport.Config{Kind: transport.KindStdio, Command: "x"})

	if !c.Ping(ctx, "srv") {
		t.Error("Ping = false for live server")
	}
	if got := c.Servers(); len(got) != 1 || got[0] != "srv" {
		t.Errorf("Servers = %v", got)
	}

	c.Disconnect("srv")
	if c.Connected("srv") {
		t.Error("Connected = true after Disconnect")
	}
	if c.Ping(ctx, "srv") {
		t.Error("Ping = true after Disconnect")
	}
	if got := c.Servers(); len(got) != 0 {
		t.Errorf("Servers after disconnect = %v", got)
	}
}
