// Package observers wires the supervisor's outbound event stream, and
// the request/response traffic the broker forwards, into the four
// traffic-derived stores: thread-activity, thread index, analytics, and
// review sessions.
package observers

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/codex-hub/codexhub/internal/activity"
	"github.com/codex-hub/codexhub/internal/analytics"
	"github.com/codex-hub/codexhub/internal/review"
	"github.com/codex-hub/codexhub/internal/supervisor"
	"github.com/codex-hub/codexhub/internal/threadindex"
)

// logStoreErr implements the "log and drop" policy for the traffic-
// derived stores: a failed write here must never impede the broadcast
// or the supervisor, so every store call site routes its error here
// instead of returning it.
func logStoreErr(op string, err error) {
	if err != nil {
		log.Printf("observers: %s: %v", op, err)
	}
}

// Hub fans supervisor traffic out to every traffic-derived store. It is
// read-only with respect to the events it observes: callers still own
// broadcasting them to WebSocket clients.
type Hub struct {
	Activity    *activity.Map
	ThreadIndex *threadindex.Store
	Analytics   *analytics.Store
	Review      *review.Store
}

// New builds a Hub over the four stores.
func New(act *activity.Map, ti *threadindex.Store, an *analytics.Store, rv *review.Store) *Hub {
	return &Hub{Activity: act, ThreadIndex: ti, Analytics: an, Review: rv}
}

// OnEvent processes one supervisor.Event. It never blocks on I/O beyond
// the individual store calls, and never mutates ev.
func (h *Hub) OnEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventNotification:
		h.onNotification(ev.ProfileID, ev.Method, ev.Params)
	case supervisor.EventPeerRequest:
		h.onPeerRequest(ev.ProfileID, ev.PeerID, ev.Method, ev.Params)
	case supervisor.EventExit:
		h.Activity.ClearProfile(ev.ProfileID)
	}
}

func (h *Hub) onNotification(profileID, method string, params json.RawMessage) {
	now := time.Now()
	h.recordEvent(profileID, "rpc.event:"+method, params, now)

	switch method {
	case "turn/started":
		var p struct {
			ThreadID string `json:"threadId"`
			Turn     struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		if json.Unmarshal(params, &p) != nil {
			return
		}
		h.Activity.MarkStarted(profileID, p.ThreadID, p.Turn.ID)
		logStoreErr("upsert turn meta", h.Analytics.UpsertTurnMeta(p.Turn.ID, p.ThreadID, profileID, "", now, time.Time{}))
		logStoreErr("increment daily turns_started", h.Analytics.IncrementDaily(analytics.DateKey(now), "turns_started", profileID, ""))

	case "turn/completed":
		var p struct {
			ThreadID string `json:"threadId"`
			Status   string `json:"status"`
			Turn     struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		if json.Unmarshal(params, &p) != nil {
			return
		}
		h.Activity.MarkCompleted(profileID, p.ThreadID)
		logStoreErr("upsert turn meta", h.Analytics.UpsertTurnMeta(p.Turn.ID, p.ThreadID, profileID, p.Status, time.Time{}, now))
		logStoreErr("increment daily turns_completed", h.Analytics.IncrementDaily(analytics.DateKey(now), "turns_completed", profileID, ""))
		if p.Status != "" {
			logStoreErr("increment daily turns_"+p.Status, h.Analytics.IncrementDaily(analytics.DateKey(now), "turns_"+p.Status, profileID, ""))
		}

	case "item/started":
		var p struct {
			ThreadID string `json:"threadId"`
			ItemID   string `json:"itemId"`
			TurnID   string `json:"turnId"`
			Type     string `json:"type"`
		}
		if json.Unmarshal(params, &p) != nil {
			return
		}
		logStoreErr("increment daily items_"+p.Type, h.Analytics.IncrementDaily(analytics.DateKey(now), "items_"+p.Type, profileID, ""))
		if p.Type == "enteredReviewMode" {
			id := review.DeriveID(p.TurnID, p.ItemID, p.ThreadID, now)
			logStoreErr("review start", h.Review.Start(id, p.ThreadID, profileID, p.ItemID, "", "", "", now))
		}

	case "item/completed":
		var p struct {
			ThreadID string `json:"threadId"`
			ItemID   string `json:"itemId"`
			TurnID   string `json:"turnId"`
			Type     string `json:"type"`
			Review   json.RawMessage `json:"review,omitempty"`
		}
		if json.Unmarshal(params, &p) != nil {
			return
		}
		logStoreErr("increment daily items_completed_"+p.Type, h.Analytics.IncrementDaily(analytics.DateKey(now), "items_completed_"+p.Type, profileID, ""))
		if p.Type == "exitedReviewMode" {
			id := review.DeriveID(p.TurnID, p.ItemID, p.ThreadID, now)
			logStoreErr("review complete", h.Review.Complete(id, p.ThreadID, p.ItemID, "", p.Review, now))
		}

	case "thread/tokenUsage/updated":
		var p struct {
			ThreadID string `json:"threadId"`
		}
		if json.Unmarshal(params, &p) == nil {
			logStoreErr("append token usage", h.Analytics.AppendTokenUsage(p.ThreadID, profileID, now, params))
		}

	case "thread/started":
		var p threadPayload
		if json.Unmarshal(params, &p) != nil {
			return
		}
		logStoreErr("upsert thread index", h.ThreadIndex.Upsert(p.toRow(profileID, now)))
		logStoreErr("upsert thread meta", h.Analytics.UpsertThreadMeta(p.ID, profileID, p.Model, p.createdAtOrNow(now)))
		logStoreErr("increment daily threads_started", h.Analytics.IncrementDaily(analytics.DateKey(now), "threads_started", profileID, ""))
	}
}

func (h *Hub) onPeerRequest(profileID string, id json.RawMessage, method string, params json.RawMessage) {
	now := time.Now()
	h.recordEvent(profileID, "rpc.serverRequest:"+method, params, now)

	if !strings.HasSuffix(method, "RequestApproval") {
		return
	}
	var p struct {
		ThreadID string `json:"threadId"`
		ItemID   string `json:"itemId"`
	}
	json.Unmarshal(params, &p)

	approvalType := approvalTypeFromMethod(method)
	logStoreErr("record approval request", h.Analytics.RecordApprovalRequest(string(id), profileID, p.ThreadID, p.ItemID, approvalType, now))
	logStoreErr("increment daily approvals_requested_"+approvalType, h.Analytics.IncrementDaily(analytics.DateKey(now), "approvals_requested_"+approvalType, profileID, ""))
}

// approvalTypeFromMethod extracts "command" from
// "item/commandExecution/requestApproval"-shaped method names.
func approvalTypeFromMethod(method string) string {
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return method
	}
	switch parts[1] {
	case "commandExecution":
		return "command"
	case "fileChange":
		return "fileChange"
	default:
		return parts[1]
	}
}

// OnApprovalResponse is called when the broker relays a client's answer
// to a previously-issued approval peerRequest.
func (h *Hub) OnApprovalResponse(requestID string, result json.RawMessage) {
	var p struct {
		Decision string `json:"decision"`
	}
	if json.Unmarshal(result, &p) != nil || p.Decision == "" {
		return
	}
	now := time.Now()
	h.recordEventNoProfile("approval.decision", result, now)
	logStoreErr("record approval decision", h.Analytics.RecordApprovalDecision(requestID, p.Decision, now))
	logStoreErr("increment daily approvals_"+p.Decision, h.Analytics.IncrementDaily(analytics.DateKey(now), "approvals_"+p.Decision, "", ""))
}

// OnRequest is called before a client-originated rpc.request is
// forwarded to the child, for the request-triggered effects the spec
// names (turn/start, command/exec, review/start, account/login/start).
func (h *Hub) OnRequest(profileID, method string, params json.RawMessage) {
	now := time.Now()
	h.recordEvent(profileID, "rpc.request:"+method, params, now)

	switch method {
	case "turn/start":
		var p struct {
			ThreadID string `json:"threadId"`
			Model    string `json:"model"`
		}
		if json.Unmarshal(params, &p) == nil && p.Model != "" && p.ThreadID != "" {
			logStoreErr("upsert thread meta", h.Analytics.UpsertThreadMeta(p.ThreadID, profileID, p.Model, now))
		}
	case "command/exec":
		logStoreErr("increment daily command_exec", h.Analytics.IncrementDaily(analytics.DateKey(now), "command_exec", profileID, ""))
	case "review/start":
		logStoreErr("increment daily reviews_started", h.Analytics.IncrementDaily(analytics.DateKey(now), "reviews_started", profileID, ""))
	case "account/login/start":
		var p struct {
			Type string `json:"type"`
		}
		json.Unmarshal(params, &p)
		logStoreErr("increment daily login_started_"+p.Type, h.Analytics.IncrementDaily(analytics.DateKey(now), "login_started_"+p.Type, profileID, ""))
	case "thread/archive":
		var p struct {
			ThreadID string `json:"threadId"`
		}
		if json.Unmarshal(params, &p) == nil {
			logStoreErr("archive thread", h.ThreadIndex.Archive(p.ThreadID))
			h.Activity.MarkCompleted(profileID, p.ThreadID)
		}
	}
}

// OnResponse is called after a forwarded request returns its result,
// for the response-triggered effects (thread/list, thread/start,
// thread/resume).
func (h *Hub) OnResponse(profileID, method string, result json.RawMessage) {
	now := time.Now()
	h.recordEvent(profileID, "rpc.response:"+method, result, now)

	switch method {
	case "thread/list":
		var p struct {
			Threads []threadPayload `json:"threads"`
		}
		if json.Unmarshal(result, &p) != nil {
			return
		}
		for _, t := range p.Threads {
			logStoreErr("upsert thread index", h.ThreadIndex.Upsert(t.toRow(profileID, now)))
		}

	case "thread/start":
		var p struct {
			Thread threadPayload `json:"thread"`
		}
		if json.Unmarshal(result, &p) != nil {
			return
		}
		logStoreErr("upsert thread index", h.ThreadIndex.Upsert(p.Thread.toRow(profileID, now)))
		logStoreErr("upsert thread meta", h.Analytics.UpsertThreadMeta(p.Thread.ID, profileID, p.Thread.Model, p.Thread.createdAtOrNow(now)))

	case "thread/resume":
		var p struct {
			Thread threadPayload `json:"thread"`
			Turn   struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"turn"`
		}
		if json.Unmarshal(result, &p) != nil {
			return
		}
		logStoreErr("upsert thread index", h.ThreadIndex.Upsert(p.Thread.toRow(profileID, now)))
		logStoreErr("upsert thread meta", h.Analytics.UpsertThreadMeta(p.Thread.ID, profileID, p.Thread.Model, p.Thread.createdAtOrNow(now)))
		if p.Turn.Status == "inProgress" {
			h.Activity.MarkStarted(profileID, p.Thread.ID, p.Turn.ID)
		} else {
			h.Activity.MarkCompleted(profileID, p.Thread.ID)
		}
	}
}

func (h *Hub) recordEvent(profileID, eventType string, payload json.RawMessage, occurredAt time.Time) {
	logStoreErr("record event "+eventType, h.Analytics.RecordEvent(analytics.Event{
		OccurredAt: occurredAt,
		ProfileID:  profileID,
		EventType:  eventType,
		Payload:    payload,
	}))
}

func (h *Hub) recordEventNoProfile(eventType string, payload json.RawMessage, occurredAt time.Time) {
	logStoreErr("record event "+eventType, h.Analytics.RecordEvent(analytics.Event{
		OccurredAt: occurredAt,
		EventType:  eventType,
		Payload:    payload,
	}))
}

// threadPayload is the common subset of a "thread" object's fields
// across thread/list, thread/start, thread/resume results and the
// thread/started notification.
type threadPayload struct {
	ID            string `json:"id"`
	Preview       string `json:"preview"`
	Model         string `json:"model"`
	CreatedAt     int64  `json:"createdAt"`
	Path          string `json:"path"`
	Cwd           string `json:"cwd"`
	Source        string `json:"source"`
	CliVersion    string `json:"cliVersion"`
}

func (t threadPayload) toRow(profileID string, now time.Time) threadindex.Row {
	return threadindex.Row{
		ThreadID:      t.ID,
		ProfileID:     profileID,
		Preview:       t.Preview,
		ModelProvider: t.Model,
		CreatedAt:     t.createdAtOrNow(now),
		Path:          t.Path,
		Cwd:           t.Cwd,
		Source:        t.Source,
		CliVersion:    t.CliVersion,
		Status:        threadindex.StatusActive,
		LastSeenAt:    now,
	}
}

func (t threadPayload) createdAtOrNow(now time.Time) time.Time {
	if t.CreatedAt == 0 {
		return now
	}
	return time.UnixMilli(threadindex.NormalizeTimestamp(t.CreatedAt)).UTC()
}
