package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brentschooley/ipm-ux/internal/devserver"
	"github.com/brentschooley/ipm-ux/internal/transport/memory"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("ipm-devserver", pflag.ExitOnError)
	addr := flags.String("addr", ":8000", "listen address")
	secret := flags.String("secret", os.Getenv("IPM_DEV_SECRET"), "token signing secret (random when empty)")
	tokenTTL := flags.Duration("token-ttl", devserver.DefaultTokenTTL, "lifetime of issued tokens")
	historyLimit := flags.Int("history-limit", 100, "messages returned by a history request")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	level, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = level
	logger, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	key := []byte(*secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		logger.Info("using a random signing secret; tokens will not survive a restart")
	}

	hub := memory.NewHub(nil)
	hub.SetHistoryLimit(*historyLimit)
	dev := devserver.New(hub, key, *tokenTTL, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           dev.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(dev.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
