package supervisor

import (
	"context"
	"testing"
	"time"
)

// fakeEchoScript behaves like a minimal app-server: answers initialize,
// then exits as soon as stdin closes.
const fakeEchoScript = `
read line
id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"id":%s,"result":{}}\n' "$id"
read line
while read line; do :; done
`

func newTestSupervisor(events chan Event) *Supervisor {
	return New(Options{
		Binary:   "/bin/sh",
		BaseArgs: []string{"-c", fakeEchoScript},
	}, func(e Event) { events <- e })
}

func TestStartIsIdempotent(t *testing.T) {
	events := make(chan Event, 16)
	s := newTestSupervisor(events)
	t.Cleanup(s.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := Profile{ID: "alice", CodexHome: t.TempDir()}
	sess1, err := s.Start(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	sess2, err := s.Start(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if sess1 != sess2 {
		t.Fatal("Start should return the existing session for an already-running profile")
	}
	if !s.Running("alice") {
		t.Fatal("expected profile to be running")
	}
}

func TestRequestOnUnknownProfileFails(t *testing.T) {
	events := make(chan Event, 16)
	s := newTestSupervisor(events)
	t.Cleanup(s.Shutdown)

	_, err := s.Request("nobody", "ping", nil)
	if err == nil || err.Error() != "profile app-server not running" {
		t.Fatalf("err = %v, want exact message", err)
	}
}

func TestStopRemovesFromRegistryBeforeExitEvent(t *testing.T) {
	events := make(chan Event, 16)
	s := newTestSupervisor(events)
	t.Cleanup(s.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := Profile{ID: "bob", CodexHome: t.TempDir()}
	if _, err := s.Start(ctx, p); err != nil {
		t.Fatal(err)
	}

	s.Stop("bob")

	// Drain until Exit; by the time Exit fires, Running must already be false.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == EventExit {
				if s.Running("bob") {
					t.Fatal("profile still registered as running when Exit event fired")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for exit event")
		}
	}
}
