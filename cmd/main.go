package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/polladapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/sseadapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/storageadapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/wsadapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/logging"
	"github.com/SchoolAI/loro-extended-sub004/internal/monitoring"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/rules"
	"github.com/SchoolAI/loro-extended-sub004/internal/storage"
	"github.com/SchoolAI/loro-extended-sub004/pkg/repo"
)

func main() {
	// Get data directory
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share", "syncbase")
	}
	os.MkdirAll(dataDir, 0755)

	addr := os.Getenv("SYNCBASE_ADDR")
	if addr == "" {
		addr = ":8044"
	}

	logger, err := logging.NewLogger("info", "json")
	if err != nil {
		log.Fatal(err)
	}
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	cfg := config.Defaults()

	allow := rules.AllowAll()
	r, err := repo.New(repo.Options{
		Identity: repo.Identity{ID: "sync-hub", Name: "sync-hub", Type: peer.KindService},
		Rules:    &allow,
		Config:   cfg,
		Logger:   logger.Logger,
		Metrics:  metrics,
		Adapters: []repo.AdapterFactory{
			func(rt adapter.Runtime) adapter.Adapter {
				kv, err := storage.Open(filepath.Join(dataDir, "docs"))
				if err != nil {
					log.Fatal(err)
				}
				return storageadapter.New("fs-storage", "sync-hub-storage", kv, rt, cfg, logger.Logger)
			},
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()

	wsServer := wsadapter.NewServer("ws", r.Runtime(), cfg, logger.Logger)
	sseServer := sseadapter.NewServer("sse", r.Runtime(), cfg, logger.Logger)
	pollServer := polladapter.NewServer("poll", r.Runtime(), cfg, logger.Logger)
	defer wsServer.Stop()
	defer sseServer.Stop()
	defer pollServer.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer.Handler())
	mux.Handle("/sse", sseServer.Handler())
	mux.Handle("/poll", pollServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		fmt.Printf("syncbase hub listening on %s (data in %s)\n", addr, dataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	srv.Shutdown(context.Background())
}
