// Package supervisor owns one child.Session per profile id, tags every
// event it re-emits with the owning profileId, and exposes idempotent
// start/stop plus profile-scoped request/respond.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codex-hub/codexhub/internal/child"
	"github.com/codex-hub/codexhub/internal/rpcconn"
)

// Profile is the subset of profile data the supervisor needs to spawn a
// child; the full Profile record lives in internal/profilestore.
type Profile struct {
	ID        string
	CodexHome string
	Cwd       string
}

// Event is the unified, profile-tagged event stream re-emitted from every
// child.Session the Supervisor owns.
type Event struct {
	ProfileID string
	Kind      EventKind
	Method    string          // Notification, PeerRequest
	PeerID    json.RawMessage // PeerRequest
	Params    json.RawMessage // Notification, PeerRequest
	Line      string          // Stderr
	ExitCode  *int            // Exit
	Err       error           // Error
}

// EventKind enumerates the event variants a Supervisor re-emits.
type EventKind int

const (
	EventNotification EventKind = iota
	EventPeerRequest
	EventStderr
	EventExit
	EventError
)

// Options configures how the Supervisor spawns children.
type Options struct {
	Binary             string
	BaseArgs           []string
	ExtraAppServerArgs []string
	ClientInfo         child.ClientInfo
}

// Supervisor is a keyed registry of running child sessions, one per
// profile id.
type Supervisor struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*child.Session

	onEvent func(Event)
}

// New creates a Supervisor. onEvent is invoked for every re-emitted event;
// it must not block for long, since it runs on the owning session's reader
// goroutine.
func New(opts Options, onEvent func(Event)) *Supervisor {
	return &Supervisor{
		opts:     opts,
		sessions: make(map[string]*child.Session),
		onEvent:  onEvent,
	}
}

// Start is idempotent: if a session for this profile is already running,
// it is returned unchanged; otherwise a new one is spawned and registered.
func (s *Supervisor) Start(ctx context.Context, p Profile) (*child.Session, error) {
	s.mu.Lock()
	if existing, ok := s.sessions[p.ID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	// registered is the session this call put in the map (guarded by
	// s.mu), so an exiting session only ever removes its own entry.
	var registered *child.Session
	sess, err := child.Start(ctx, child.Options{
		Binary:             s.opts.Binary,
		BaseArgs:           s.opts.BaseArgs,
		ExtraAppServerArgs: s.opts.ExtraAppServerArgs,
		CodexHome:          p.CodexHome,
		Cwd:                p.Cwd,
		ClientInfo:         s.opts.ClientInfo,
	}, child.Handlers{
		OnNotification: func(method string, params json.RawMessage) {
			s.emit(Event{ProfileID: p.ID, Kind: EventNotification, Method: method, Params: params})
		},
		OnPeerRequest: func(id json.RawMessage, method string, params json.RawMessage) {
			s.emit(Event{ProfileID: p.ID, Kind: EventPeerRequest, PeerID: id, Method: method, Params: params})
		},
		OnStderr: func(line string) {
			s.emit(Event{ProfileID: p.ID, Kind: EventStderr, Line: line})
		},
		OnExit: func(code *int) {
			// Remove from the map BEFORE re-emitting so observers that
			// re-enter the supervisor (e.g. to restart) see a clean slate.
			s.mu.Lock()
			if registered != nil && s.sessions[p.ID] == registered {
				delete(s.sessions, p.ID)
			}
			s.mu.Unlock()
			s.emit(Event{ProfileID: p.ID, Kind: EventExit, ExitCode: code})
		},
		OnError: func(err error) {
			s.emit(Event{ProfileID: p.ID, Kind: EventError, Err: err})
		},
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Another Start may have raced us; keep whichever is already there
	// to honor "at most one ChildSession per profileId".
	if existing, ok := s.sessions[p.ID]; ok {
		s.mu.Unlock()
		sess.Stop()
		return existing, nil
	}
	s.sessions[p.ID] = sess
	registered = sess
	s.mu.Unlock()

	return sess, nil
}

// Stop stops and removes the session for profileId. Safe to call on an
// absent key.
func (s *Supervisor) Stop(profileID string) {
	s.mu.Lock()
	sess, ok := s.sessions[profileID]
	if ok {
		delete(s.sessions, profileID)
	}
	s.mu.Unlock()
	if ok {
		sess.Stop()
	}
}

// Request forwards a request to the named profile's child and waits for
// its response. Fails with the spec's exact message if the profile has no
// running child.
func (s *Supervisor) Request(profileID, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	sess, ok := s.sessions[profileID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("profile app-server not running")
	}
	return sess.Request(method, params)
}

// Respond relays a response to a peer request the named profile's child
// previously sent. A no-op if the profile has no running child.
func (s *Supervisor) Respond(profileID string, id json.RawMessage, result interface{}, rpcErr *rpcconn.RPCError) {
	s.mu.Lock()
	sess, ok := s.sessions[profileID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Respond(id, result, rpcErr)
}

// Running reports whether a profile currently has a running child.
func (s *Supervisor) Running(profileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[profileID]
	return ok
}

// Shutdown stops every running session.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

func (s *Supervisor) emit(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}
