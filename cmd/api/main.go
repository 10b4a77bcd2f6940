package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldgate.org/internal/admission"
	"fieldgate.org/internal/collector"
	"fieldgate.org/internal/config"
	"fieldgate.org/internal/httpapi"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/quota"
	"fieldgate.org/internal/session"
	"fieldgate.org/internal/store/pg"
	"fieldgate.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "none" // set via -ldflags at build time
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var (
		collectors collector.Store
		sessions   session.Store
		ledger     quota.Ledger
		probe      httpapi.ReadyProbe
		store      *pg.Store
	)
	if cfg.PostgresDSN != "" {
		store, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		collectors = store
		sessions = store
		ledger = store.Ledger(cfg.ReservationTTL)
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		// Single-node mode for local development and tests.
		mem := collector.NewInMemory()
		collectors = mem
		sessions = session.NewInMemory(mem)
		ledger = quota.NewInMemory(quota.WithTTL(cfg.ReservationTTL))
	}

	var intel admission.IntelProvider
	if cfg.RiskIntelPath != "" {
		table, err := admission.LoadIntel(cfg.RiskIntelPath)
		if err != nil {
			log.Fatalf("load risk intel: %v", err)
		}
		intel = table
	}

	completions := stream.New()
	manager := session.NewManager(sessions, ledger, stream.NewNotifier(completions))
	controller := admission.NewController(collectors, sessions, intel)

	api := httpapi.New(probe, version, controller, manager, ledger, completions)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	if store != nil {
		resolvers, err := store.LoadResolvers(context.Background())
		if err != nil {
			log.Fatalf("load navigation rules: %v", err)
		}
		for surveyID, r := range resolvers {
			api.SetResolver(surveyID, r)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting fieldgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
