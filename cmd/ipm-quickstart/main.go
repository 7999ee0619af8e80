package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/config"
	"github.com/brentschooley/ipm-ux/internal/devserver"
	"github.com/brentschooley/ipm-ux/internal/session"
	"github.com/brentschooley/ipm-ux/internal/state"
	"github.com/brentschooley/ipm-ux/internal/telegram"
	"github.com/brentschooley/ipm-ux/internal/token"
	"github.com/brentschooley/ipm-ux/internal/transport"
	"github.com/brentschooley/ipm-ux/internal/transport/memory"
	"github.com/brentschooley/ipm-ux/internal/transport/ws"
	"github.com/brentschooley/ipm-ux/internal/ui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgDir := config.Dir()

	flags := pflag.NewFlagSet("ipm-quickstart", pflag.ExitOnError)
	cfgPath := flags.String("config", filepath.Join(cfgDir, "config.yaml"), "path to the config file")
	backend := flags.String("backend", "", "backend kind: websocket, telegram or memory")
	channel := flags.StringP("channel", "c", "", "unique name of the channel to join")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config from %s: %w", *cfgPath, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if *backend != "" {
		cfg.Backend.Kind = *backend
	}
	if *channel != "" {
		cfg.Channel.UniqueName = *channel
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Check %s or the IPM_* environment.\n", *cfgPath)
		fmt.Fprintf(os.Stderr, "For a local backend run: ipm-devserver --addr :8000\n\n")
		return err
	}

	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	// Log to a file; the TUI owns the terminal.
	logPath := filepath.Join(cfgDir, "ipm-quickstart.log")
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = level
	logCfg.OutputPaths = []string{logPath}
	logCfg.ErrorOutputPaths = []string{logPath}
	logger, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	deviceID, err := config.DeviceID(cfgDir)
	if err != nil {
		return err
	}

	tokens, dialer := newBackend(cfg, logger)
	logger.Info("starting",
		zap.String("backend", cfg.Backend.Kind),
		zap.String("channel", cfg.Channel.UniqueName),
		zap.String("device", deviceID),
	)

	store := state.New(nil)
	controller := session.New(tokens, dialer, store, session.Options{
		DeviceID:     deviceID,
		ChannelName:  cfg.Channel.UniqueName,
		FriendlyName: cfg.Channel.FriendlyName,
		EventBuffer:  cfg.EventBuffer,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := ui.NewApp(store, controller, tea.WithContext(ctx))
	store.SetOnChange(app.StoreObserver())
	controller.SetOnStateChange(app.StatusObserver())

	go func() {
		if err := controller.Start(ctx); err != nil {
			logger.Error("session start failed", zap.Error(err))
		}
	}()

	runErr := app.Run()
	stop()
	if err := controller.Teardown(); err != nil {
		logger.Warn("teardown", zap.Error(err))
	}
	if errors.Is(runErr, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return runErr
}

func newBackend(cfg *config.Config, logger *zap.Logger) (token.Provider, transport.Dialer) {
	switch cfg.Backend.Kind {
	case config.BackendTelegram:
		return token.NewHTTPProvider(cfg.Token.URL, cfg.Token.Timeout, cfg.Token.Retries, logger),
			telegram.NewDialer(telegram.Config{
				APIID:        cfg.Backend.Telegram.APIID,
				APIHash:      cfg.Backend.Telegram.APIHash,
				HistoryLimit: cfg.HistoryLimit,
				PublicNames:  []string{cfg.Channel.UniqueName},
			}, logger)

	case config.BackendMemory:
		hub := memory.NewHub(nil)
		hub.SetHistoryLimit(cfg.HistoryLimit)
		guest := token.ProviderFunc(func(_ context.Context, deviceID string) (token.Grant, error) {
			return token.Grant{Token: "local", Identity: devserver.GuestIdentity(deviceID)}, nil
		})
		return guest, hub

	default:
		return token.NewHTTPProvider(cfg.Token.URL, cfg.Token.Timeout, cfg.Token.Retries, logger),
			ws.NewDialer(cfg.Backend.WebSocketURL, logger)
	}
}
