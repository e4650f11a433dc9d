package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"swcache/internal/swcache"
)

// hostEnv is the process-level configuration. Everything else lives in
// the YAML file.
type hostEnv struct {
	ConfigPath string `env:"SWCACHE_CONFIG" envDefault:"/swcache.yaml"`
	DataDir    string `env:"SWCACHE_DATA_DIR"`
	Origin     string `env:"SWCACHE_ORIGIN"`
}

func main() {
	var he hostEnv
	if err := env.Parse(&he); err != nil {
		log.Fatalf("parse env: %v", err)
	}

	cfg, err := swcache.LoadConfig(he.ConfigPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if he.DataDir != "" {
		cfg.Storage.Path = he.DataDir
	}
	if he.Origin != "" {
		cfg.Server.Origin = he.Origin
	}
	if cfg.Server.Origin == "" {
		log.Fatalf("load config: server.origin is required")
	}

	svc, err := swcache.NewService(cfg, swcache.Options{})
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Printf("start: %v", err)
		return
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("listen %s: %v", addr, err)
		return
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("swcache listening on %s, origin=%s", addr, cfg.Server.Origin)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
