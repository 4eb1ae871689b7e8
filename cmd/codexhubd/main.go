// codexhubd is the codex-hub daemon: it supervises one `codex app-server`
// child process per configured profile, exposes a WebSocket+HTTP surface
// for browser/terminal clients, and mirrors observed traffic into the
// thread-index, analytics, and review-session SQLite stores.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codex-hub/codexhub/internal/activity"
	"github.com/codex-hub/codexhub/internal/analytics"
	"github.com/codex-hub/codexhub/internal/api"
	"github.com/codex-hub/codexhub/internal/broker"
	"github.com/codex-hub/codexhub/internal/child"
	"github.com/codex-hub/codexhub/internal/config"
	"github.com/codex-hub/codexhub/internal/observers"
	"github.com/codex-hub/codexhub/internal/profilestore"
	"github.com/codex-hub/codexhub/internal/review"
	"github.com/codex-hub/codexhub/internal/rpcconn"
	"github.com/codex-hub/codexhub/internal/supervisor"
	"github.com/codex-hub/codexhub/internal/threadindex"
	"github.com/codex-hub/codexhub/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("codexhubd %s starting", version.Version())

	cfg, err := config.DefaultConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	threads, err := threadindex.Open(cfg.ThreadsDBPath())
	if err != nil {
		log.Fatalf("open thread index: %v", err)
	}
	defer threads.Close()
	log.Printf("thread index: %s", cfg.ThreadsDBPath())

	analyticsStore, err := analytics.Open(cfg.AnalyticsDBPath())
	if err != nil {
		log.Fatalf("open analytics: %v", err)
	}
	defer analyticsStore.Close()
	log.Printf("analytics: %s", cfg.AnalyticsDBPath())

	reviews, err := review.Open(cfg.ReviewsDBPath())
	if err != nil {
		log.Fatalf("open review store: %v", err)
	}
	defer reviews.Close()
	log.Printf("reviews: %s", cfg.ReviewsDBPath())

	profiles, err := profilestore.Open(cfg.ProfilesFilePath(), cfg.DefaultCodexHome, cfg.DefaultCwd)
	if err != nil {
		log.Fatalf("open profile store: %v", err)
	}
	log.Printf("profiles: %s", cfg.ProfilesFilePath())

	activityMap := activity.New()
	hub := observers.New(activityMap, threads, analyticsStore, reviews)

	token := cfg.Token
	if token == "" {
		token = broker.GenerateToken()
		log.Printf("no CODEX_HUB_TOKEN set; generated token for this run: %s", token)
	}

	var brk *broker.Broker
	sup := supervisor.New(supervisor.Options{
		Binary:             cfg.CodexBin,
		BaseArgs:           cfg.CodexFlags,
		ExtraAppServerArgs: cfg.AppServerFlags,
		ClientInfo:         child.ClientInfo{Name: "codex-hub", Version: version.Version()},
	}, func(ev supervisor.Event) {
		hub.OnEvent(ev)
		brk.OnSupervisorEvent(ev)
	})

	brk = broker.New(token, &supervisorController{sup: sup}, &profileResolver{store: profiles}, &trafficObserver{hub: hub})

	apiServer := api.NewServer(threads, analyticsStore, reviews, activityMap, profiles, hub, &reindexAdapter{sup: sup})

	mux := http.NewServeMux()
	mux.Handle("/ws", brk)
	mux.Handle("/", apiServer)

	addr := cfg.Host + ":" + cfg.Port
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("codexhubd listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	pruneStop := make(chan struct{})
	go runAnalyticsPruner(analyticsStore, pruneStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)
	close(pruneStop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sup.Shutdown()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	log.Println("codexhubd stopped")
}

const (
	analyticsPruneInterval = 6 * time.Hour
	analyticsRetention     = 90 * 24 * time.Hour
)

// runAnalyticsPruner periodically drops analytics events older than
// analyticsRetention, so the raw event log doesn't grow unbounded on a
// long-lived daemon. It runs until stop is closed.
func runAnalyticsPruner(store *analytics.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(analyticsPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := store.Prune(time.Now().Add(-analyticsRetention)); err != nil {
				log.Printf("analytics prune: %v", err)
			}
		case <-stop:
			return
		}
	}
}

// supervisorController adapts *supervisor.Supervisor to broker.ProfileController.
// Start's concrete *child.Session return narrows to interface{} here since
// Go has no covariant return types: the broker package only ever needs to
// know that a session started, not its concrete type.
type supervisorController struct {
	sup *supervisor.Supervisor
}

func (a *supervisorController) Start(ctx context.Context, p supervisor.Profile) (interface{}, error) {
	return a.sup.Start(ctx, p)
}

func (a *supervisorController) Stop(profileID string) {
	a.sup.Stop(profileID)
}

func (a *supervisorController) Request(profileID, method string, params interface{}) (json.RawMessage, error) {
	return a.sup.Request(profileID, method, params)
}

func (a *supervisorController) Respond(profileID string, id json.RawMessage, result interface{}, rpcErr *rpcconn.RPCError) {
	a.sup.Respond(profileID, id, result, rpcErr)
}

// profileResolver adapts *profilestore.Store to broker.ProfileResolver.
type profileResolver struct {
	store *profilestore.Store
}

func (r *profileResolver) Resolve(profileID string) (supervisor.Profile, bool) {
	p := r.store.Get(profileID)
	if p == nil {
		return supervisor.Profile{}, false
	}
	return supervisor.Profile{ID: p.ID, CodexHome: p.CodexHome, Cwd: p.Cwd}, true
}

// reindexAdapter adapts *supervisor.Supervisor to api's reindexController,
// translating the three-string profile shape the HTTP handler works with
// into a supervisor.Profile.
type reindexAdapter struct {
	sup *supervisor.Supervisor
}

func (a *reindexAdapter) Start(ctx context.Context, id, codexHome, cwd string) error {
	_, err := a.sup.Start(ctx, supervisor.Profile{ID: id, CodexHome: codexHome, Cwd: cwd})
	return err
}

func (a *reindexAdapter) Request(profileID, method string, params interface{}) (json.RawMessage, error) {
	return a.sup.Request(profileID, method, params)
}

// trafficObserver adapts *observers.Hub to broker.TrafficObserver.
type trafficObserver struct {
	hub *observers.Hub
}

func (o *trafficObserver) OnRequest(profileID, method string, params json.RawMessage) {
	o.hub.OnRequest(profileID, method, params)
}

func (o *trafficObserver) OnResponse(profileID, method string, result json.RawMessage) {
	o.hub.OnResponse(profileID, method, result)
}

func (o *trafficObserver) OnApprovalResponse(requestID string, result json.RawMessage) {
	o.hub.OnApprovalResponse(requestID, result)
}

func (o *trafficObserver) OnProfileStop(profileID string) {
	o.hub.Activity.ClearProfile(profileID)
}
