// Package api is codexhubd's plain HTTP surface: search and list
// operations over the three SQLite stores and the in-memory activity
// map, plus the reindex endpoint that pulls thread/list from a
// profile's app-server on demand.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/codex-hub/codexhub/internal/activity"
	"github.com/codex-hub/codexhub/internal/analytics"
	"github.com/codex-hub/codexhub/internal/observers"
	"github.com/codex-hub/codexhub/internal/profilestore"
	"github.com/codex-hub/codexhub/internal/review"
	"github.com/codex-hub/codexhub/internal/threadindex"
)

// reindexController is the narrow slice of *supervisor.Supervisor the
// reindex handler drives, expressed as an interface so this package
// doesn't need to import internal/supervisor or internal/child.
type reindexController interface {
	Start(ctx context.Context, id, codexHome, cwd string) error
	Request(profileID, method string, params interface{}) (json.RawMessage, error)
}

// Server is codexhubd's HTTP API.
type Server struct {
	threads   *threadindex.Store
	analytics *analytics.Store
	reviews   *review.Store
	activity  *activity.Map
	profiles  *profilestore.Store
	hub       *observers.Hub
	sup       reindexController

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer builds the HTTP API over the given stores. sup may be nil;
// the reindex endpoint then only reports zero profiles reindexed.
func NewServer(threads *threadindex.Store, an *analytics.Store, rv *review.Store, act *activity.Map, profiles *profilestore.Store, hub *observers.Hub, sup reindexController) *Server {
	s := &Server{
		threads:   threads,
		analytics: an,
		reviews:   rv,
		activity:  act,
		profiles:  profiles,
		hub:       hub,
		sup:       sup,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /threads/search", s.handleThreadsSearch)
	s.mux.HandleFunc("GET /threads/active", s.handleThreadsActive)
	s.mux.HandleFunc("POST /threads/reindex", s.handleThreadsReindex)
	s.mux.HandleFunc("GET /analytics/daily", s.handleAnalyticsDaily)
	s.mux.HandleFunc("GET /reviews", s.handleReviews)
}

// ServeHTTP lets codexhubd mount this server's mux alongside the
// broker's WebSocket handler on a shared listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening on addr.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleThreadsSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := threadindex.SearchParams{
		Query:     q.Get("q"),
		ProfileID: q.Get("profileId"),
		Model:     q.Get("model"),
		Status:    q.Get("status"),
		Limit:     atoiDefault(q.Get("limit"), 0),
		Offset:    atoiDefault(q.Get("offset"), 0),
	}
	if v := q.Get("createdAfter"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			params.CreatedAfter = time.UnixMilli(ms)
		}
	}
	if v := q.Get("createdBefore"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			params.CreatedBefore = time.UnixMilli(ms)
		}
	}

	rows, err := s.threads.Search(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": rows})
}

// activeThread is activity.Thread plus a human-readable "how long has
// this turn been running" label, since this endpoint is read by a
// dashboard rather than machine-consumed.
type activeThread struct {
	activity.Thread
	RunningFor string `json:"runningFor"`
}

func (s *Server) handleThreadsActive(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profileId")
	threads := s.activity.List(profileID)
	out := make([]activeThread, len(threads))
	for i, th := range threads {
		out[i] = activeThread{Thread: th, RunningFor: humanize.Time(th.StartedAt)}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": out})
}

type reindexRequest struct {
	ProfileID string `json:"profileId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	AutoStart bool   `json:"autoStart,omitempty"`
}

// reindexThreadList is the subset of a thread/list result this handler
// needs to tell new threads from ones the index has already seen.
type reindexThreadList struct {
	Threads []struct {
		ID string `json:"id"`
	} `json:"threads"`
}

// handleThreadsReindex asks one or every profile's app-server for its
// thread/list and feeds the result through the same observers.Hub
// translation the broker uses for traffic it forwards live, so the
// thread index stays consistent whether a thread/list came from a
// connected client or this on-demand pull. The response's "new" count
// is derived from GetByID: a thread already indexed is an upsert of
// existing metadata, not a newly discovered one.
func (s *Server) handleThreadsReindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 200
	}

	var targets []profilestore.Profile
	if req.ProfileID != "" {
		p := s.profiles.Get(req.ProfileID)
		if p == nil {
			writeError(w, http.StatusNotFound, "unknown profile")
			return
		}
		targets = []profilestore.Profile{*p}
	} else {
		targets = s.profiles.List()
	}

	reindexed, newThreads := 0, 0
	var errs []string
	for _, p := range targets {
		if s.sup == nil {
			continue
		}
		if req.AutoStart {
			if err := s.sup.Start(r.Context(), p.ID, p.CodexHome, p.Cwd); err != nil {
				errs = append(errs, p.ID+": "+err.Error())
				continue
			}
		}
		result, err := s.sup.Request(p.ID, "thread/list", map[string]interface{}{"limit": req.Limit})
		if err != nil {
			errs = append(errs, p.ID+": "+err.Error())
			continue
		}

		var list reindexThreadList
		if json.Unmarshal(result, &list) == nil {
			for _, t := range list.Threads {
				if existing, err := s.threads.GetByID(t.ID); err == nil && existing == nil {
					newThreads++
				}
			}
		}

		s.hub.OnResponse(p.ID, "thread/list", result)
		reindexed++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"reindexed": reindexed, "new": newThreads, "errors": errs})
}

func (s *Server) handleAnalyticsDaily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "metric is required")
		return
	}
	points, err := s.analytics.DailySeries(metric, q.Get("profileId"), q.Get("model"), atoiDefault(q.Get("days"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := s.reviews.List(q.Get("profileId"), atoiDefault(q.Get("limit"), 0), atoiDefault(q.Get("offset"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
