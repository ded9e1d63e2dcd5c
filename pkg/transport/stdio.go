package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/pkg/protocol"
)

// killGrace is how long a disconnecting server process gets between
// SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Stdio talks to a tool server spawned as a subprocess. Frames are
// newline-delimited JSON documents: requests go to the child's stdin,
// responses come back on stdout. One reader goroutine dispatches
// responses to waiters by id; stderr is drained into the debug log.
type Stdio struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex // serializes writes to the child's stdin
	cmd   *exec.Cmd
	stdin io.WriteCloser

	pend       *pendingSet
	connected  atomic.Bool
	readerDone chan struct{}
}

func newStdio(cfg Config, log *slog.Logger) *Stdio {
	return &Stdio{
		cfg:  cfg,
		log:  log.With("transport", "stdio", "command", cfg.Command),
		pend: newPendingSet(),
	}
}

func (s *Stdio) Kind() Kind      { return KindStdio }
func (s *Stdio) Connected() bool { return s.connected.Load() }

// Connect spawns the server process and starts the response reader.
// Connecting an already-connected transport is a no-op.
func (s *Stdio) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Load() {
		return nil
	}
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}
	s.cmd = cmd
	s.startIO(stdin, stdout, stderr)
	s.log.Debug("server process started", "pid", cmd.Process.Pid)
	return nil
}

// startIO wires the pipes and marks the transport connected. Split out
// from Connect so the framing can run against in-memory pipes in tests.
func (s *Stdio) startIO(stdin io.WriteCloser, stdout, stderr io.Reader) {
	s.stdin = stdin
	s.readerDone = make(chan struct{})
	s.connected.Store(true)
	go s.readLoop(stdout)
	if stderr != nil {
		go s.drainStderr(stderr)
	}
}

// readLoop is the single consumer of the child's stdout. Malformed
// frames are logged and skipped; losing the stream fails every waiter.
func (s *Stdio) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Tool results can be large, increase the frame limit.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			s.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; nothing waits on it.
			continue
		}
		if !s.pend.resolve(&resp) {
			s.log.Warn("response with unknown id", "id", resp.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("stdout closed", "error", err)
	}
	s.connected.Store(false)
	s.pend.failAll(errDisconnected("server closed the connection"))
	close(s.readerDone)
}

func (s *Stdio) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.log.Debug("server stderr", "line", scanner.Text())
	}
}

// Send writes one request frame and blocks until its response arrives,
// the context ends, or the per-request timeout fires.
func (s *Stdio) Send(ctx context.Context, method string, params any) (*protocol.Response, error) {
	if !s.connected.Load() {
		return nil, errDisconnected("not connected")
	}
	id := nextRequestID()
	key := protocol.IDKey(id)
	ch := s.pend.add(key)
	if err := s.writeFrame(protocol.NewRequest(id, method, params)); err != nil {
		s.pend.drop(key)
		return nil, err
	}
	return await(ctx, s.pend, key, ch, s.cfg.timeout())
}

// Notify writes a notification frame. No response is expected.
func (s *Stdio) Notify(ctx context.Context, method string, params any) error {
	if !s.connected.Load() {
		return errDisconnected("not connected")
	}
	return s.writeFrame(protocol.NewNotification(method, params))
}

func (s *Stdio) writeFrame(req *protocol.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	raw = append(raw, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errDisconnected("not connected")
	}
	if _, err := s.stdin.Write(raw); err != nil {
		return errDisconnected(fmt.Sprintf("write failed: %v", err))
	}
	return nil
}

// Disconnect closes stdin, asks the process to exit, and kills it if
// it is still alive after killGrace. Outstanding calls fail with a
// disconnected error.
func (s *Stdio) Disconnect() error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	s.connected.Store(false)
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		s.pend.failAll(errDisconnected("disconnected"))
		return nil
	}

	waitc := make(chan error, 1)
	go func() { waitc <- cmd.Wait() }()
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitc:
	case <-time.After(killGrace):
		s.log.Warn("server ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-waitc
	}
	s.pend.failAll(errDisconnected("disconnected"))
	if s.readerDone != nil {
		<-s.readerDone
	}
	s.log.Debug("server process stopped")
	return nil
}
