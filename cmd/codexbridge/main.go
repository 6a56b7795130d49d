package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/codexbridge/codexbridge/internal/bridge"
	"github.com/codexbridge/codexbridge/internal/config"
	"github.com/codexbridge/codexbridge/internal/db"
	"github.com/codexbridge/codexbridge/internal/logging"
	"github.com/codexbridge/codexbridge/internal/notify"
	"github.com/codexbridge/codexbridge/internal/provider"
	"github.com/codexbridge/codexbridge/internal/session"
	"github.com/codexbridge/codexbridge/internal/store"
	"github.com/codexbridge/codexbridge/internal/webhook"
)

var version = "dev"

// exitRelaunch asks the supervising wrapper to re-exec the bridge.
const exitRelaunch = 42

// errRelaunch propagates the /restart handshake out of run.
var errRelaunch = errors.New("relaunch requested")

func main() {
	logging.Setup()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errRelaunch) {
			os.Exit(exitRelaunch)
		}
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("codexbridge", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file (optional; env overrides)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(level)
	}

	logging.PrintBanner(version, cfg.DBPath)

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	// Only one bridge may own the session; the lock holds our PID for
	// operator inspection.
	lock, err := acquireLock(cfg.LockPath())
	if err != nil {
		return fmt.Errorf("another bridge appears to be running: %w", err)
	}
	defer lock.release()

	sqlDB, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()

	if err := db.Migrate(sqlDB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(sqlDB)

	trusted, err := provider.NormalizeNumber(cfg.TrustedNumber)
	if err != nil {
		return fmt.Errorf("trusted_number: %w", err)
	}
	cfg.TrustedNumber = trusted

	prov := provider.New(cfg.Provider.APIBase, cfg.Provider.APIKey, cfg.Provider.APISecret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The bridge, session manager, and pipeline reference each other
	// through callbacks; Bind closes the loop.
	b := bridge.New(cfg, st, prov, nil, nil)

	mgr := session.New(session.Config{
		Phone:          cfg.TrustedNumber,
		Bin:            cfg.Codex.Bin,
		Args:           []string{"app-server"},
		WorkingDir:     cfg.Codex.WorkingDir,
		ModelPrefix:    cfg.Codex.ModelPrefix,
		DefaultModel:   cfg.Codex.DefaultModel,
		SandboxMode:    cfg.Codex.SandboxMode,
		RequestTimeout: cfg.Codex.RequestTimeout(),
		ClientVersion:  version,
	}, st, b.Callbacks())

	pipe := notify.New(notify.Config{
		Phone:           cfg.TrustedNumber,
		Enabled:         cfg.Notifications.Enabled,
		RawExcerptBytes: cfg.Notifications.RawExcerptBytes,
		RetentionDays:   cfg.Notifications.RetentionDays,
		MaxRows:         cfg.Notifications.MaxRows,
	}, st, mgr, b.Send)

	b.Bind(mgr, pipe)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer mgr.Stop()

	if cfg.Webhook.Enabled {
		srv := webhook.New(webhook.Config{
			Host:         cfg.Webhook.Host,
			Port:         cfg.Webhook.Port,
			Path:         cfg.Webhook.Path,
			Secret:       cfg.Webhook.Secret,
			MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		}, pipe.Ingest)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				slog.Error("webhook server failed", "error", err)
			}
		}()
		slog.Info("webhook ingress listening",
			"addr", fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port),
			"path", cfg.Webhook.Path)
	}

	slog.Info("bridge running",
		"trusted", cfg.TrustedNumber,
		"poll_interval", cfg.PollInterval(),
		"model", cfg.Codex.DefaultModel)

	if err := b.Run(ctx); err != nil {
		return err
	}

	if b.ConsumeRestartRequested() {
		slog.Info("restart requested, exiting with relaunch sentinel", "code", exitRelaunch)
		return errRelaunch
	}
	return nil
}
