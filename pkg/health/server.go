// Package health exposes liveness and readiness endpoints for the
// gateway process. Liveness (/health) answers 200 whenever the process
// is up; readiness (/ready) requires the composition root to flip
// SetReady and every registered check to pass.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// CheckFunc probes one dependency and returns pass/fail plus a short
// message ("connected", "connection refused").
type CheckFunc func() (bool, string)

// Check is the recorded result of one probe.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the body served by /health and /ready.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Server serves the health endpoints on its own listener so probes
// keep answering even when the API port is saturated.
type Server struct {
	addr    string
	httpSrv *http.Server
	started time.Time

	mu     sync.RWMutex
	ready  bool
	checks map[string]CheckFunc
}

// NewServer builds a health server for host:port. It starts not ready.
func NewServer(host string, port int) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}
}

// SetReady flips the readiness gate.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// RegisterCheck adds a named readiness probe. Probes run on every
// /ready request, so they should be cheap.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	s.checks[name] = fn
	s.mu.Unlock()
}

// Routes registers the probe endpoints with an external router, for
// hosts that serve probes from their main listener instead of running
// the standalone one. The registrar is HandleFunc-compatible.
func (s *Server) Routes(register func(pattern string, handler func(http.ResponseWriter, *http.Request))) {
	register("/health", s.healthHandler)
	register("/ready", s.readyHandler)
	register("/live", s.liveHandler)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down and marks it not ready.
func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	checks, _ := s.runChecks()
	s.write(w, http.StatusOK, StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Millisecond).String(),
		Checks: checks,
	})
}

// liveHandler answers as long as the process can serve at all. No
// checks run here.
func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	checks, allOK := s.runChecks()
	resp := StatusResponse{
		Status: "ready",
		Uptime: time.Since(s.started).Round(time.Millisecond).String(),
		Checks: checks,
	}
	if !ready || !allOK {
		resp.Status = "not ready"
		s.write(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.write(w, http.StatusOK, resp)
}

// runChecks snapshots the probe set under the lock, then runs the
// probes outside it so a slow probe cannot block RegisterCheck.
func (s *Server) runChecks() (map[string]Check, bool) {
	s.mu.RLock()
	fns := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		fns[name] = fn
	}
	s.mu.RUnlock()

	out := make(map[string]Check, len(fns))
	allOK := true
	for name, fn := range fns {
		ok, msg := fn()
		if !ok {
			allOK = false
		}
		out[name] = Check{
			Name:      name,
			Status:    statusString(ok),
			Message:   msg,
			Timestamp: time.Now(),
		}
	}
	return out, allOK
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func (s *Server) write(w http.ResponseWriter, code int, body StatusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
