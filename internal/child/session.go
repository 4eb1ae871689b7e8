// Package child manages a single app-server subprocess: spawning it with a
// profile-scoped home directory, wiring a JSON-RPC connection over its
// stdio, performing the initialize/initialized handshake, and surfacing
// lifecycle events to its owner.
package child

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/codex-hub/codexhub/internal/rpcconn"
)

// ClientInfo is sent as part of the initialize request.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options configures a Session's spawn.
type Options struct {
	Binary             string
	BaseArgs           []string
	ExtraAppServerArgs []string
	CodexHome          string
	ClientInfo         ClientInfo
	Cwd                string
}

// Handlers receives lifecycle and traffic events from a Session. Handlers
// run on the Session's reader goroutines; slow handlers delay subsequent
// frames, so callers that need to do real work should hand it off.
type Handlers struct {
	OnNotification func(method string, params json.RawMessage)
	OnPeerRequest  func(id json.RawMessage, method string, params json.RawMessage)
	OnStderr       func(line string)
	OnExit         func(code *int)
	OnError        func(err error)
}

// Session is one running child process.
type Session struct {
	opts     Options
	handlers Handlers

	cmd  *exec.Cmd
	conn *rpcconn.Conn

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error
}

// Start spawns the binary, wires its stdio through a JSON-RPC connection,
// and performs the initialize/initialized handshake. It returns once the
// handshake has completed (or failed); the caller should treat a non-nil
// error as "never registered". On a handshake failure the child is sent
// SIGTERM; its reader and wait goroutines end once it has exited.
func Start(ctx context.Context, opts Options, h Handlers) (*Session, error) {
	args := append(append([]string{}, opts.BaseArgs...), "app-server")
	args = append(args, opts.ExtraAppServerArgs...)

	cmd := exec.CommandContext(ctx, opts.Binary, args...)
	cmd.Env = append(os.Environ(), "CODEX_HOME="+opts.CodexHome)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", opts.Binary, err)
	}

	s := &Session{
		opts:     opts,
		handlers: h,
		cmd:      cmd,
		readyCh:  make(chan struct{}),
	}

	s.conn = rpcconn.New(stdout, stdin, stderr, rpcconn.Handlers{
		OnNotification: h.OnNotification,
		OnPeerRequest:  h.OnPeerRequest,
		OnStderr:       h.OnStderr,
		OnError:        h.OnError,
		OnClose:        func(reason error) {},
	})

	go s.waitExit()

	if err := s.handshake(); err != nil {
		s.Stop()
		return nil, err
	}

	return s, nil
}

func (s *Session) handshake() error {
	_, err := s.conn.SendRequest("initialize", map[string]interface{}{
		"clientInfo": s.opts.ClientInfo,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.conn.SendNotification("initialized", map[string]interface{}{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	close(s.readyCh)
	return nil
}

func (s *Session) waitExit() {
	err := s.cmd.Wait()
	var code *int
	if s.cmd.ProcessState != nil {
		c := s.cmd.ProcessState.ExitCode()
		code = &c
	}
	if s.handlers.OnExit != nil {
		s.handlers.OnExit(code)
	}
	_ = err
}

// Ready blocks until the handshake has completed. A Session returned by
// Start has already completed its handshake, so Ready only matters to
// callers that obtained a Session through another path (none currently
// exist in this package, but the latch is kept for symmetry with C3's
// spec, which requires request/respond to wait on it).
func (s *Session) Ready() <-chan struct{} {
	return s.readyCh
}

// Request forwards a request to the child and waits for its response.
func (s *Session) Request(method string, params interface{}) (json.RawMessage, error) {
	<-s.readyCh
	return s.conn.SendRequest(method, params)
}

// Notify sends a notification to the child.
func (s *Session) Notify(method string, params interface{}) error {
	<-s.readyCh
	return s.conn.SendNotification(method, params)
}

// Respond replies to a peer request the child sent us.
func (s *Session) Respond(id json.RawMessage, result interface{}, rpcErr *rpcconn.RPCError) error {
	return s.conn.SendResponse(id, result, rpcErr)
}

// Stop sends SIGTERM to the child. It is a no-op if the child has already
// exited.
func (s *Session) Stop() error {
	if s.cmd.Process == nil {
		return nil
	}
	if s.cmd.ProcessState != nil {
		// Wait has returned: the child exited, normally or by a signal.
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGTERM)
}

// PID returns the child's process id.
func (s *Session) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
