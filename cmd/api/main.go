package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fedguard.org/internal/config"
	"fedguard.org/internal/events"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/httpapi"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
	"fedguard.org/internal/obs"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/rules"
	"fedguard.org/internal/scan"
	"fedguard.org/internal/store/pg"
	"fedguard.org/internal/workflow"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.CommunityID == "" {
		log.Fatal("FEDGUARD_COMMUNITY_ID is required")
	}
	reloader := config.NewReloader(cfg)

	// Durable stores when a DSN is set, in-memory otherwise.
	var (
		svc       ledger.Service
		ruleStore rules.Store
		db        *sql.DB
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		svc = store
		ruleStore = pg.NewRuleStore(db)
	} else {
		log.Print("no FEDGUARD_PG_DSN set, running with in-memory stores")
		svc = ledger.NewInMemory()
		ruleStore = rules.NewInMemory()
	}
	ruleStore = rules.NewCachedStore(ruleStore, 256, 30*time.Second)

	matcher := match.NewEngine(ruleStore, 10*time.Millisecond)
	bus := events.New()

	broadcaster := federation.NewBroadcaster(cfg.Peers, bus)
	fed := federation.NewEngine(svc, bus, broadcaster, cfg.CommunityID)

	var client platform.Client
	if gatewayURL := os.Getenv("FEDGUARD_PLATFORM_URL"); gatewayURL != "" {
		client = platform.NewREST(gatewayURL, os.Getenv("FEDGUARD_PLATFORM_TOKEN"))
	} else {
		log.Print("no FEDGUARD_PLATFORM_URL set, platform calls go to an in-memory fake")
		client = platform.NewFake()
	}
	wf := workflow.NewCoordinator(reloader, client, fed, bus)
	fed.SetEnforcer(wf)

	scanner := scan.NewScanner(client, matcher, wf, reloader)
	recheck := scan.NewBioRecheck(client, matcher, wf, reloader)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broadcaster.Start(rootCtx)
	go recheck.Run(rootCtx)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, httpapi.Deps{
		Config:   reloader,
		Rules:    ruleStore,
		Matcher:  matcher,
		Platform: client,
		Ledger:   svc,
		Fed:      fed,
		WF:       wf,
		Scanner:  scanner,
		Bus:      bus,
	})

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.MaxBodyBytes(
					httpapi.RateLimit(api.Handler(), 50, 25),
					1<<20,
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second, // SSE clients reconnect on timeout
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting fedguard-api %s for community %s on %s", version, cfg.CommunityID, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	_ = srv.Shutdown(ctx)
	cancel()
	scanner.Stop()
	broadcaster.Close()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
