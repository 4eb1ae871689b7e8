// Package activity tracks, per profile, which threads currently have an
// in-progress turn. It is in-memory and non-persistent: on process
// restart it starts empty and must tolerate "unknown thread" on any
// later completion event.
package activity

import (
	"sync"
	"time"
)

// Thread is one entry in the activity map.
type Thread struct {
	ProfileID string
	ThreadID  string
	TurnID    string // empty when no turn is in progress
	StartedAt time.Time
}

// Map is the process-wide thread-activity map, keyed first by profile id
// then by thread id.
type Map struct {
	mu       sync.RWMutex
	profiles map[string]map[string]Thread
}

// New returns an empty Map.
func New() *Map {
	return &Map{profiles: make(map[string]map[string]Thread)}
}

// MarkStarted upserts a thread as having an in-progress turn. An existing
// entry's StartedAt is preserved; if turnID is empty, the existing turnId
// (if any) is kept rather than cleared.
func (m *Map) MarkStarted(profileID, threadID, turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threads, ok := m.profiles[profileID]
	if !ok {
		threads = make(map[string]Thread)
		m.profiles[profileID] = threads
	}

	th, existed := threads[threadID]
	if !existed {
		th = Thread{ProfileID: profileID, ThreadID: threadID, StartedAt: time.Now()}
	}
	if turnID != "" {
		th.TurnID = turnID
	}
	threads[threadID] = th
}

// MarkCompleted removes the thread's in-progress entry. If it was the
// profile's last active thread, the profile key is removed too.
func (m *Map) MarkCompleted(profileID, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threads, ok := m.profiles[profileID]
	if !ok {
		return // unknown thread: tolerated, no-op
	}
	delete(threads, threadID)
	if len(threads) == 0 {
		delete(m.profiles, profileID)
	}
}

// ClearProfile removes all activity for a profile, called on supervisor
// stop/exit.
func (m *Map) ClearProfile(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, profileID)
}

// List returns a snapshot of every active thread, optionally filtered to
// one profile (empty profileID means all profiles).
func (m *Map) List(profileID string) []Thread {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Thread
	if profileID != "" {
		for _, th := range m.profiles[profileID] {
			out = append(out, th)
		}
		return out
	}
	for _, threads := range m.profiles {
		for _, th := range threads {
			out = append(out, th)
		}
	}
	return out
}

// ProfileEmpty reports whether a profile has no active threads tracked
// (true both when the profile key is absent and when it maps to an empty
// set — used by tests asserting post-stop cleanup).
func (m *Map) ProfileEmpty(profileID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles[profileID]) == 0
}
