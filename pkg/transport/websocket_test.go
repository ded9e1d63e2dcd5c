package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolgate/toolgate/pkg/protocol"
)

func TestToWSScheme(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"http://host:8080/mcp", "ws://host:8080/mcp", true},
		{"https://host/mcp", "wss://host/mcp", true},
		{"ws://host/mcp", "ws://host/mcp", true},
		{"wss://host/mcp", "wss://host/mcp", true},
		{"ftp://host/mcp", "", false},
	}
	for _, tc := range cases {
		got, err := toWSScheme(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("toWSScheme(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("toWSScheme(%q) accepted", tc.in)
		}
	}
}

// echoWSServer answers every request with its own id. When hold is >1
// it buffers that many requests and answers them in reverse order.
func echoWSServer(t *testing.T, hold int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var held []protocol.Request
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(data, &req); err != nil || req.ID == nil {
				continue
			}
			held = append(held, req)
			if len(held) < hold {
				continue
			}
			for i := len(held) - 1; i >= 0; i-- {
				resp := protocol.Response{
					JSONRPC: "2.0",
					ID:      held[i].ID,
					Result:  json.RawMessage(fmt.Sprintf("%q", held[i].Method)),
				}
				raw, _ := json.Marshal(resp)
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
			held = held[:0]
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, url string) *WebSocket {
	t.Helper()
	tr := newWebSocket(Config{Kind: KindWebSocket, URL: url, Timeout: 2 * time.Second}, testLogger())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = tr.Disconnect() })
	return tr
}

func TestWebSocketSend(t *testing.T) {
	srv := echoWSServer(t, 1)
	tr := dialWS(t, srv.URL)

	resp, err := tr.Send(context.Background(), protocol.MethodPing, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var echoed string
	if err := json.Unmarshal(resp.Result, &echoed); err != nil || echoed != protocol.MethodPing {
		t.Fatalf("result = %s", resp.Result)
	}
}

func TestWebSocketOutOfOrderResponses(t *testing.T) {
	srv := echoWSServer(t, 2)
	tr := dialWS(t, srv.URL)

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]string)
	for _, method := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), m, nil)
			if err != nil {
				t.Errorf("Send(%s): %v", m, err)
				return
			}
			var echoed string
			json.Unmarshal(resp.Result, &echoed)
			mu.Lock()
			results[m] = echoed
			mu.Unlock()
		}(method)
	}
	wg.Wait()

	for _, m := range []string{"alpha", "beta"} {
		if results[m] != m {
			t.Errorf("caller of %q received %q", m, results[m])
		}
	}
}

func TestWebSocketConnectionLossFailsWaiters(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Accept one frame, then slam the connection shut.
		conn.ReadMessage()
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	tr := dialWS(t, srv.URL)
	_, err := tr.Send(context.Background(), protocol.MethodPing, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.ErrDisconnected {
		t.Fatalf("Send = %v, want disconnected", err)
	}
	if tr.Connected() {
		t.Errorf("transport still reports connected")
	}
}

func TestWebSocketSendAfterDisconnect(t *testing.T) {
	srv := echoWSServer(t, 1)
	tr := dialWS(t, srv.URL)
	if err := tr.Disconnect(); err != nil {
		t.Logf("Disconnect: %v", err)
	}
	_, err := tr.Send(context.Background(), protocol.MethodPing, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.ErrDisconnected {
		t.Fatalf("Send = %v, want disconnected", err)
	}
}
