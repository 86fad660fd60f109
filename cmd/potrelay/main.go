package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/potsync/pkg/auth"
	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/config"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/logging"
	"github.com/astromechza/potsync/pkg/membership"
	"github.com/astromechza/potsync/pkg/relay"
	"github.com/astromechza/potsync/pkg/store/postgres"
	"github.com/astromechza/potsync/pkg/store/sqlite"
)

func main() {
	logging.Setup()
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// backend is what both store implementations provide.
type backend interface {
	membership.Store
	checkpoint.Store
	feed.ChangeLog
	Ping(ctx context.Context) error
	Close() error
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.UsesPostgres() {
		slog.Info("Opening postgres database")
		s, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
	slog.Info("Opening sqlite database", "path", cfg.DatabaseURL)
	return sqlite.New(cfg.DatabaseURL)
}

func mainInner() error {
	cfg := config.Load()
	addrVar := flag.String("addr", cfg.HTTPAddress, "the address to listen on")
	mintVar := flag.String("mint-token", "", "print a bearer token for this user and exit")
	flag.Parse()

	tokens := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)
	if *mintVar != "" {
		token, err := tokens.Generate(*mintVar)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	var fanout feed.Broadcaster = feed.NewHub(0)
	if len(cfg.KafkaBrokers) > 0 {
		slog.Info("Fanning out through kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		k := feed.NewKafkaBroadcaster(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer k.Close()
		fanout = k
	}

	srv := relay.NewServer(membership.NewGate(db), feed.NewBus(db, fanout), db, tokens).WithHealthCheck(db.Ping)
	httpServer := &http.Server{Addr: *addrVar, Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	cancel()
	wg.Wait()
	return nil
}
