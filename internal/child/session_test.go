package child

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// fakeAppServerScript behaves like a minimal app-server: it answers
// initialize, ignores initialized, and echoes a notification so tests can
// observe the handshake completing end to end over real stdio pipes.
const fakeAppServerScript = `
read line
id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"id":%s,"result":{"ok":true}}\n' "$id"
read line
echo "ready" >&2
printf '{"method":"turn/started","params":{"threadId":"t1"}}\n'
read line
`

func startFakeSession(t *testing.T) (*Session, chan string, chan json.RawMessage) {
	t.Helper()
	notifs := make(chan string, 4)
	stderrLines := make(chan string, 4)
	params := make(chan json.RawMessage, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	sess, err := Start(ctx, Options{
		Binary:     "/bin/sh",
		BaseArgs:   []string{"-c", fakeAppServerScript, "--"},
		CodexHome:  t.TempDir(),
		ClientInfo: ClientInfo{Name: "codex-hub", Version: "test"},
	}, Handlers{
		OnNotification: func(method string, p json.RawMessage) {
			notifs <- method
			params <- p
		},
		OnStderr: func(line string) { stderrLines <- line },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sess.Stop() })
	return sess, stderrLines, params
}

func TestSessionHandshakeAndNotification(t *testing.T) {
	_, _, params := startFakeSession(t)

	select {
	case p := <-params:
		var got struct {
			ThreadID string `json:"threadId"`
		}
		json.Unmarshal(p, &got)
		if got.ThreadID != "t1" {
			t.Fatalf("threadId = %q", got.ThreadID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestSessionStopIsNoopAfterExit(t *testing.T) {
	sess, _, _ := startFakeSession(t)
	if err := sess.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("second Stop (already stopped) should be a no-op: %v", err)
	}
}
