// Package rpcconn multiplexes a line-delimited JSON-RPC stream over a
// duplex byte connection (typically a child process's stdio), correlating
// request ids with pending responses and classifying every inbound frame
// as a notification, a peer-initiated request, or a peer response.
package rpcconn

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/codex-hub/codexhub/internal/frame"
)

// RPCError mirrors the {code, message, data} shape of a JSON-RPC error
// object, used both for errors we send and errors we receive.
type RPCError struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Handlers receives the events a Conn emits. Any nil handler is simply
// not invoked. Handlers run synchronously on the Conn's reader goroutines
// (OnStderr on the stderr reader, the others on the stdout reader), so a
// slow handler delays subsequent frames on this connection — callers
// that need concurrency should hand work off to their own goroutine.
type Handlers struct {
	OnNotification func(method string, params json.RawMessage)
	OnPeerRequest  func(id json.RawMessage, method string, params json.RawMessage)
	OnStderr       func(line string)
	OnClose        func(reason error)
	OnError        func(err error)
}

type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Conn is one JSON-RPC multiplexed connection over a reader/writer pair
// (and, for a child process, a separate stderr reader).
type Conn struct {
	w  io.Writer
	wm sync.Mutex // serializes whole-line writes on w

	handlers Handlers

	mu      sync.Mutex
	pending map[string]*pendingCall
	nextID  int64
	closed  bool

	done chan struct{}
}

// New starts a Conn over r (e.g. a child's stdout) writing requests to w
// (e.g. a child's stdin). If stderr is non-nil, it is drained line-by-line
// and surfaced via Handlers.OnStderr. New returns immediately; reading
// happens on background goroutines.
func New(r io.Reader, w io.Writer, stderr io.Reader, h Handlers) *Conn {
	c := &Conn{
		w:        w,
		handlers: h,
		pending:  make(map[string]*pendingCall),
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.recvLoop(r)
	}()

	if stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.stderrLoop(stderr)
		}()
	}

	go func() {
		wg.Wait()
		close(c.done)
	}()

	return c
}

func (c *Conn) recvLoop(r io.Reader) {
	var closeErr error
	err := frame.ReadAll(r, func(line []byte) {
		c.handleFrame(line)
	})
	if err != nil {
		closeErr = err
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
	} else {
		closeErr = fmt.Errorf("connection closed")
	}
	c.closeWithReason(closeErr)
}

func (c *Conn) stderrLoop(r io.Reader) {
	frame.ReadAll(r, func(line []byte) {
		if c.handlers.OnStderr != nil {
			c.handlers.OnStderr(string(line))
		}
	})
}

func (c *Conn) handleFrame(line []byte) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("invalid JSON frame: %w", err))
		}
		return
	}

	switch {
	case len(msg.ID) > 0 && msg.Method == "":
		// PeerResponse: reply to one of our outbound requests.
		key := string(msg.ID)
		c.mu.Lock()
		p, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if !ok {
			return // drop silently: unknown pending id
		}
		if msg.Error != nil {
			p.errCh <- msg.Error
		} else {
			p.resultCh <- msg.Result
		}
	case len(msg.ID) > 0 && msg.Method != "":
		// PeerRequest: the child is asking us something.
		if c.handlers.OnPeerRequest != nil {
			c.handlers.OnPeerRequest(msg.ID, msg.Method, msg.Params)
		}
	case len(msg.ID) == 0 && msg.Method != "":
		// Notification.
		if c.handlers.OnNotification != nil {
			c.handlers.OnNotification(msg.Method, msg.Params)
		}
	default:
		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("unclassified frame: %s", line))
		}
	}
}

// SendRequest writes a request frame and blocks until the matching
// response arrives or the connection closes. The returned error wraps
// the peer's {message} on a PeerResponse error, or the close reason.
func (c *Conn) SendRequest(method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	idJSON, _ := json.Marshal(id)

	p := &pendingCall{
		resultCh: make(chan json.RawMessage, 1),
		errCh:    make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[string(idJSON)] = p
	c.mu.Unlock()

	req := wireMessage{ID: idJSON, Method: method}
	if params != nil {
		req.Params, _ = json.Marshal(params)
	}
	if err := c.writeFrame(req); err != nil {
		c.mu.Lock()
		delete(c.pending, string(idJSON))
		c.mu.Unlock()
		c.closeWithReason(err)
		return nil, err
	}

	select {
	case result := <-p.resultCh:
		return result, nil
	case err := <-p.errCh:
		return nil, err
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

// SendNotification writes a notification frame (no id, no response).
// A write failure closes the connection, per the same write-errors-
// close-the-connection rule SendRequest follows.
func (c *Conn) SendNotification(method string, params interface{}) error {
	msg := wireMessage{Method: method}
	if params != nil {
		msg.Params, _ = json.Marshal(params)
	}
	if err := c.writeFrame(msg); err != nil {
		c.closeWithReason(err)
		return err
	}
	return nil
}

// SendResponse replies to a PeerRequest with either a result or an error.
// A write failure closes the connection: otherwise a broken stdin pipe
// here would leave any already-registered pending requests hanging
// forever instead of failing.
func (c *Conn) SendResponse(id json.RawMessage, result interface{}, rpcErr *RPCError) error {
	msg := wireMessage{ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	if err := c.writeFrame(msg); err != nil {
		c.closeWithReason(err)
		return err
	}
	return nil
}

func (c *Conn) writeFrame(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wm.Lock()
	defer c.wm.Unlock()
	_, err = c.w.Write(data)
	return err
}

// closeWithReason fails every outstanding pending request with reason and
// marks the connection closed so no new requests may be registered. Per
// spec, pending requests must be drained before any close notification
// fires, to avoid a race against a late-arriving response.
func (c *Conn) closeWithReason(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.errCh <- reason
	}

	if c.handlers.OnClose != nil {
		c.handlers.OnClose(reason)
	}
}

// Done returns a channel closed once both reader goroutines have exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
