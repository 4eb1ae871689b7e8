package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/codex-hub/codexhub/internal/rpcconn"
	"github.com/codex-hub/codexhub/internal/supervisor"
)

type fakeController struct {
	startCalls   []supervisor.Profile
	stopCalls    []string
	requestFn    func(profileID, method string, params interface{}) (json.RawMessage, error)
	respondCalls []string
}

func (f *fakeController) Start(ctx context.Context, p supervisor.Profile) (interface{}, error) {
	f.startCalls = append(f.startCalls, p)
	return nil, nil
}

func (f *fakeController) Stop(profileID string) {
	f.stopCalls = append(f.stopCalls, profileID)
}

func (f *fakeController) Request(profileID, method string, params interface{}) (json.RawMessage, error) {
	if f.requestFn != nil {
		return f.requestFn(profileID, method, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeController) Respond(profileID string, id json.RawMessage, result interface{}, rpcErr *rpcconn.RPCError) {
	f.respondCalls = append(f.respondCalls, profileID)
}

type fakeObserver struct {
	stopCalls []string
}

func (f *fakeObserver) OnRequest(profileID, method string, params json.RawMessage)  {}
func (f *fakeObserver) OnResponse(profileID, method string, result json.RawMessage) {}
func (f *fakeObserver) OnApprovalResponse(requestID string, result json.RawMessage) {}
func (f *fakeObserver) OnProfileStop(profileID string) {
	f.stopCalls = append(f.stopCalls, profileID)
}

type fakeResolver struct {
	profiles map[string]supervisor.Profile
}

func (f *fakeResolver) Resolve(profileID string) (supervisor.Profile, bool) {
	p, ok := f.profiles[profileID]
	return p, ok
}

func setupTestBroker(t *testing.T, ctrl *fakeController) (*httptest.Server, string) {
	t.Helper()
	return setupTestBrokerObs(t, ctrl, nil)
}

func setupTestBrokerObs(t *testing.T, ctrl *fakeController, obs TrafficObserver) (*httptest.Server, string) {
	t.Helper()
	resolver := &fakeResolver{profiles: map[string]supervisor.Profile{
		"default": {ID: "default", CodexHome: "/home/.codex"},
	}}
	b := New("secret-token", ctrl, resolver, obs)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return srv, "secret-token"
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):] + "/?token=" + token
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestMismatchedTokenClosesWithPolicyViolation(t *testing.T) {
	srv, _ := setupTestBroker(t, &fakeController{})
	url := "ws" + srv.URL[len("http"):] + "/?token=wrong"

	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want StatusPolicyViolation", websocket.CloseStatus(err))
	}
}

func TestProfileStartEnvelopeResolvesProfileAndStartsSupervisor(t *testing.T) {
	ctrl := &fakeController{}
	srv, token := setupTestBroker(t, ctrl)
	conn := dial(t, srv, token)

	env := Envelope{Type: TypeProfileStart, ProfileID: "default"}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(ctrl.startCalls) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(ctrl.startCalls) != 1 || ctrl.startCalls[0].ID != "default" {
		t.Fatalf("startCalls = %+v", ctrl.startCalls)
	}
}

func TestUnknownProfileStartRepliesWithError(t *testing.T) {
	ctrl := &fakeController{}
	srv, token := setupTestBroker(t, ctrl)
	conn := dial(t, srv, token)

	env := Envelope{Type: TypeProfileStart, ProfileID: "ghost"}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeErrorEnvelope {
		t.Fatalf("got type %q, want error", got.Type)
	}
	if len(ctrl.startCalls) != 0 {
		t.Fatalf("expected supervisor.Start not called, got %+v", ctrl.startCalls)
	}
}

func TestMalformedJSONRepliesInvalidJSON(t *testing.T) {
	ctrl := &fakeController{}
	srv, token := setupTestBroker(t, ctrl)
	conn := dial(t, srv, token)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeErrorEnvelope || got.Message != "Invalid JSON" {
		t.Fatalf("got %+v", got)
	}
}

func TestBroadcastFansOutToEveryClient(t *testing.T) {
	ctrl := &fakeController{}
	resolver := &fakeResolver{profiles: map[string]supervisor.Profile{}}
	b := New("tok", ctrl, resolver, nil)
	srv := httptest.NewServer(b)
	defer srv.Close()

	c1 := dial(t, srv, "tok")
	c2 := dial(t, srv, "tok")

	// Give the server a moment to register both clients.
	time.Sleep(50 * time.Millisecond)
	b.Broadcast(Envelope{Type: TypeProfileExit, ProfileID: "default"})

	for _, c := range []*websocket.Conn{c1, c2} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := c.Read(ctx)
		cancel()
		if err != nil {
			t.Fatal(err)
		}
		var env Envelope
		json.Unmarshal(data, &env)
		if env.Type != TypeProfileExit {
			t.Fatalf("got %+v", env)
		}
	}
}

func TestProfileStartRepliesProfileStarted(t *testing.T) {
	ctrl := &fakeController{}
	srv, token := setupTestBroker(t, ctrl)
	conn := dial(t, srv, token)

	env := Envelope{Type: TypeProfileStart, ProfileID: "default"}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeProfileStarted || got.ProfileID != "default" {
		t.Fatalf("got %+v, want profile.started for default", got)
	}
}

func TestProfileStopClearsActivityAndRepliesStopped(t *testing.T) {
	ctrl := &fakeController{}
	obs := &fakeObserver{}
	srv, token := setupTestBrokerObs(t, ctrl, obs)
	conn := dial(t, srv, token)

	env := Envelope{Type: TypeProfileStop, ProfileID: "default"}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeProfileStopped || got.ProfileID != "default" {
		t.Fatalf("got %+v, want profile.stopped for default", got)
	}
	if len(ctrl.stopCalls) != 1 || ctrl.stopCalls[0] != "default" {
		t.Fatalf("stopCalls = %+v", ctrl.stopCalls)
	}
	if len(obs.stopCalls) != 1 || obs.stopCalls[0] != "default" {
		t.Fatalf("observer stopCalls = %+v, want activity cleared synchronously", obs.stopCalls)
	}
}

func TestRPCRequestRepliesRPCResponseWithRequestID(t *testing.T) {
	ctrl := &fakeController{
		requestFn: func(profileID, method string, params interface{}) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	srv, token := setupTestBroker(t, ctrl)
	conn := dial(t, srv, token)

	payload, _ := json.Marshal(map[string]interface{}{"requestId": "req-1", "method": "thread/list"})
	env := Envelope{Type: TypeRPCRequest, ProfileID: "default", Payload: payload}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeRPCResponse {
		t.Fatalf("got type %q, want rpc.response", got.Type)
	}
	var body rpcResponseReply
	if err := json.Unmarshal(got.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.RequestID != "req-1" {
		t.Fatalf("requestId = %q, want req-1", body.RequestID)
	}
	if string(body.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", body.Result)
	}
}

func TestRPCRequestErrorRepliesRPCResponseWithError(t *testing.T) {
	ctrl := &fakeController{
		requestFn: func(profileID, method string, params interface{}) (json.RawMessage, error) {
			return nil, fmt.Errorf("child unreachable")
		},
	}
	srv, token := setupTestBroker(t, ctrl)
	conn := dial(t, srv, token)

	payload, _ := json.Marshal(map[string]interface{}{"requestId": "req-2", "method": "thread/list"})
	env := Envelope{Type: TypeRPCRequest, ProfileID: "default", Payload: payload}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeRPCResponse {
		t.Fatalf("got type %q, want rpc.response", got.Type)
	}
	var body rpcResponseReply
	if err := json.Unmarshal(got.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.RequestID != "req-2" || body.Error != "child unreachable" {
		t.Fatalf("body = %+v", body)
	}
}
