// Package broker is the WebSocket front door: it authenticates
// browser/terminal clients against a shared process-lifetime token,
// dispatches typed inbound envelopes to the supervisor, and fans
// outbound supervisor events out to every connected client.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codex-hub/codexhub/internal/rpcconn"
	"github.com/codex-hub/codexhub/internal/supervisor"
)

// Envelope is the typed message both directions of the socket speak.
type Envelope struct {
	Type      string          `json:"type"`
	ProfileID string          `json:"profileId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Inbound envelope types (client -> broker).
const (
	TypeProfileStart = "profile.start"
	TypeProfileStop  = "profile.stop"
	TypeRPCRequest   = "rpc.request"
	TypeRPCResponse  = "rpc.response"
)

// Outbound envelope types (broker -> client). TypeRPCResponse (declared
// above as an inbound type) is also sent outbound, by handleRPCRequest:
// spec.md reuses the same "rpc.response" wire name in both directions,
// correlated by "requestId" rather than the child-facing "id" field
// rpcResponsePayload carries.
const (
	TypeProfileStarted = "profile.started"
	TypeProfileStopped = "profile.stopped"
	TypeRPCEvent       = "rpc.event"
	TypeRPCServerReq   = "rpc.serverRequest"
	TypeProfileDiag    = "profile.diagnostic"
	TypeProfileExit    = "profile.exit"
	TypeProfileError   = "profile.error"
	TypeErrorEnvelope  = "error"
)

const (
	sendTimeout         = 5 * time.Second
	clientSendQueueSize = 64
)

// ProfileResolver looks up the full profile record a profileId names,
// so the broker can hand the supervisor everything it needs to spawn a
// child (codexHome, cwd) without itself owning profile storage.
type ProfileResolver interface {
	Resolve(profileID string) (supervisor.Profile, bool)
}

// ProfileController is the subset of *supervisor.Supervisor the broker
// drives; narrowed to an interface so tests can fake it.
type ProfileController interface {
	Start(ctx context.Context, p supervisor.Profile) (interface{}, error)
	Stop(profileID string)
	Request(profileID, method string, params interface{}) (json.RawMessage, error)
	Respond(profileID string, id json.RawMessage, result interface{}, rpcErr *rpcconn.RPCError)
}

// TrafficObserver receives the request/response halves of traffic the
// broker forwards, so the analytics/thread-index/review stores can be
// fed the effects spec.md's traffic-observer table names without the
// broker itself knowing about them. Nil is a valid Broker.observer:
// every call site checks before invoking it.
type TrafficObserver interface {
	OnRequest(profileID, method string, params json.RawMessage)
	OnResponse(profileID, method string, result json.RawMessage)
	OnApprovalResponse(requestID string, result json.RawMessage)
	OnProfileStop(profileID string)
}

// GenerateToken returns a new random bearer token for one broker process
// lifetime.
func GenerateToken() string {
	return uuid.NewString()
}

// Broker owns the set of connected clients and the shared auth token.
type Broker struct {
	token    string
	sup      ProfileController
	profiles ProfileResolver
	observer TrafficObserver

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs a Broker that authenticates with token and dispatches
// to sup, resolving profiles via profiles. observer may be nil.
func New(token string, sup ProfileController, profiles ProfileResolver, observer TrafficObserver) *Broker {
	return &Broker{
		token:    token,
		sup:      sup,
		profiles: profiles,
		observer: observer,
		clients:  make(map[*client]struct{}),
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// ServeHTTP upgrades the request to a WebSocket connection, validating
// the shared token query parameter before accepting traffic. A mismatch
// closes the connection with status 1008 (policy violation).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != b.token {
		conn, err := websocket.Accept(w, r, nil)
		if err == nil {
			conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		}
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("broker: accept failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendQueueSize)}
	b.addClient(c)
	defer b.removeClient(c)

	go b.writeLoop(c)
	b.readLoop(r.Context(), c)
}

func (b *Broker) addClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *Broker) removeClient(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	close(c.send)
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (b *Broker) writeLoop(c *client) {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
}

func (b *Broker) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		b.handleInbound(ctx, c, data)
	}
}

func (b *Broker) handleInbound(ctx context.Context, c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.sendTo(c, Envelope{Type: TypeErrorEnvelope, Message: "Invalid JSON"})
		return
	}

	switch env.Type {
	case TypeProfileStart:
		b.handleProfileStart(ctx, c, env)
	case TypeProfileStop:
		b.handleProfileStop(c, env)
	case TypeRPCRequest:
		b.handleRPCRequest(c, env)
	case TypeRPCResponse:
		b.handleRPCResponse(env)
	default:
		b.sendTo(c, Envelope{Type: TypeErrorEnvelope, ProfileID: env.ProfileID, Message: "unknown envelope type: " + env.Type})
	}
}

func (b *Broker) handleProfileStart(ctx context.Context, c *client, env Envelope) {
	profile, ok := b.profiles.Resolve(env.ProfileID)
	if !ok {
		b.sendTo(c, Envelope{Type: TypeErrorEnvelope, ProfileID: env.ProfileID, Message: fmt.Sprintf("unknown profile %q", env.ProfileID)})
		return
	}
	if _, err := b.sup.Start(ctx, profile); err != nil {
		b.sendTo(c, Envelope{Type: TypeErrorEnvelope, ProfileID: env.ProfileID, Message: err.Error()})
		return
	}
	b.sendTo(c, Envelope{Type: TypeProfileStarted, ProfileID: env.ProfileID})
}

// handleProfileStop stops the child and clears its activity entry
// synchronously, rather than waiting on the eventual exit event, so a
// client sees profile.stopped only once both have actually happened.
func (b *Broker) handleProfileStop(c *client, env Envelope) {
	b.sup.Stop(env.ProfileID)
	if b.observer != nil {
		b.observer.OnProfileStop(env.ProfileID)
	}
	b.sendTo(c, Envelope{Type: TypeProfileStopped, ProfileID: env.ProfileID})
}

type rpcRequestPayload struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// rpcResponseReply is the broker's reply to a client's own rpc.request,
// correlated by requestId. This is distinct from rpcResponsePayload,
// which carries the child-facing "id" used when the client is answering
// a rpc.serverRequest the child itself issued; the two ids must never
// be conflated even though both replies share the "rpc.response" type.
type rpcResponseReply struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (b *Broker) handleRPCRequest(c *client, env Envelope) {
	var p rpcRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		b.sendTo(c, Envelope{Type: TypeErrorEnvelope, ProfileID: env.ProfileID, Message: "Invalid JSON"})
		return
	}
	if b.observer != nil {
		b.observer.OnRequest(env.ProfileID, p.Method, p.Params)
	}
	result, err := b.sup.Request(env.ProfileID, p.Method, p.Params)
	if err != nil {
		payload, _ := json.Marshal(rpcResponseReply{RequestID: p.RequestID, Error: err.Error()})
		b.sendTo(c, Envelope{Type: TypeRPCResponse, ProfileID: env.ProfileID, Payload: payload})
		return
	}
	if b.observer != nil {
		b.observer.OnResponse(env.ProfileID, p.Method, result)
	}
	payload, _ := json.Marshal(rpcResponseReply{RequestID: p.RequestID, Result: result})
	b.sendTo(c, Envelope{Type: TypeRPCResponse, ProfileID: env.ProfileID, Payload: payload})
}

// rpcResponsePayload is the client's answer to a rpc.serverRequest the
// child previously issued, keyed by the child-facing "id" (NOT
// requestId — see rpcResponseReply).
type rpcResponsePayload struct {
	ID     json.RawMessage   `json:"id"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *rpcconn.RPCError `json:"error,omitempty"`
}

// handleRPCResponse relays a client's answer to a peerRequest the child
// app-server previously sent us, back down to the right profile's
// child connection.
func (b *Broker) handleRPCResponse(env Envelope) {
	var p rpcResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if b.observer != nil && p.Result != nil {
		b.observer.OnApprovalResponse(string(p.ID), p.Result)
	}
	b.sup.Respond(env.ProfileID, p.ID, p.Result, p.Error)
}

func (b *Broker) sendTo(c *client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow client: drop rather than block the broker.
	}
}

// Broadcast fans an outbound envelope out to every connected client.
// When a slow or stuck client's bounded queue is full, the message is
// dropped for that client rather than blocking delivery to everyone else.
func (b *Broker) Broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// OnSupervisorEvent adapts a supervisor.Event into the outbound
// envelope vocabulary and broadcasts it. Wire this as the supervisor's
// onEvent callback.
func (b *Broker) OnSupervisorEvent(ev supervisor.Event) {
	var env Envelope
	env.ProfileID = ev.ProfileID

	switch ev.Kind {
	case supervisor.EventNotification:
		env.Type = TypeRPCEvent
		env.Payload = notificationPayload(ev.Method, ev.Params)
	case supervisor.EventPeerRequest:
		env.Type = TypeRPCServerReq
		env.Payload = peerRequestPayload(ev.PeerID, ev.Method, ev.Params)
	case supervisor.EventStderr:
		env.Type = TypeProfileDiag
		env.Message = ev.Line
	case supervisor.EventExit:
		env.Type = TypeProfileExit
		env.Payload = exitPayload(ev.ExitCode)
	case supervisor.EventError:
		env.Type = TypeProfileError
		if ev.Err != nil {
			env.Message = ev.Err.Error()
		}
	default:
		return
	}
	b.Broadcast(env)
}

func notificationPayload(method string, params json.RawMessage) json.RawMessage {
	data, _ := json.Marshal(struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{method, params})
	return data
}

func peerRequestPayload(id json.RawMessage, method string, params json.RawMessage) json.RawMessage {
	data, _ := json.Marshal(struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{id, method, params})
	return data
}

func exitPayload(code *int) json.RawMessage {
	data, _ := json.Marshal(struct {
		Code *int `json:"code"`
	}{code})
	return data
}

// ListenAndServeWS mounts the broker's handler on a dedicated listener,
// mirroring the daemon's own Start/Stop shape.
func ListenAndServeWS(addr string, b *Broker) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.ServeHTTP)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return srv, ln, nil
}
