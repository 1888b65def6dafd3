package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neuragrid/coordinator/config"
	"github.com/neuragrid/coordinator/dispatch"
	"github.com/neuragrid/coordinator/event"
	"github.com/neuragrid/coordinator/hub"
	"github.com/neuragrid/coordinator/router"
	"github.com/neuragrid/coordinator/store/sqlite"
)

var version = "dev"

func main() {
	confDir := env("CONF_DIR", ".")

	fmt.Printf("neuragrid-coordinator %s\n", version)

	cfg, err := config.Load(confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	addr := env("LISTEN_ADDR", cfg.Listen)

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	log.Printf("database ready at %s", cfg.DBPath)

	reg := hub.NewRegistry()
	events := event.NewPlane(reg)
	disp := dispatch.New(db, reg, events, cfg.RequeueEvery())

	h := hub.New(reg, hub.Config{
		PingInterval: cfg.PingEvery(),
		QueueSize:    cfg.OutboundQueue,
	}, hub.Handler{
		OnClientJoined: disp.Trigger,
		OnWorkerReport: disp.HandleWorkerReport,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp.Start(ctx)

	srv := &http.Server{
		Addr: addr,
		Handler: router.New(router.Deps{
			Store:     db,
			Registry:  reg,
			Dispatch:  disp,
			Events:    events,
			Hub:       h,
			StaticDir: cfg.StaticDir,
		}),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
