package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/makfc/sidewise/internal/api"
	"github.com/makfc/sidewise/internal/backup"
	"github.com/makfc/sidewise/internal/browser"
	"github.com/makfc/sidewise/internal/config"
	"github.com/makfc/sidewise/internal/controller"
	"github.com/makfc/sidewise/internal/engine"
	"github.com/makfc/sidewise/internal/events"
	"github.com/makfc/sidewise/internal/journal"
	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/loop"
	"github.com/makfc/sidewise/internal/netutil"
	"github.com/makfc/sidewise/internal/notify"
	"github.com/makfc/sidewise/internal/tree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("sidewised config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"port_candidates", cfg.PortCandidates,
		"port_auto_fallback", cfg.PortAutoFallback,
		"tick_interval_ms", cfg.TickIntervalMS,
		"fallback_budget_ms", cfg.FallbackBudgetMS,
		"log_level", cfg.LogLevel,
		"checkpoint_dir", cfg.CheckpointDir,
		"journal_dir", cfg.JournalDir,
	)

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		slog.Error("failed to load settings", "file", cfg.SettingsFile, "error", err)
		os.Exit(1)
	}

	var tr *tree.Tree
	backups, err := backup.NewStore(cfg.CheckpointDir, func() tree.Dump { return tr.Snapshot() }, cfg.KeepCheckpoints)
	if err != nil {
		slog.Error("failed to create checkpoint store", "dir", cfg.CheckpointDir, "error", err)
		os.Exit(1)
	}
	tr = restoreTree(backups)

	journalWriter := journal.NewWriter(cfg.JournalDir, "engine", 1024, cfg.JournalMaxMB)
	defer func() {
		if err := journalWriter.Close(); err != nil {
			slog.Debug("journal close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			Binary:         cfg.BrowserBinary,
			CDPAddress:     cfg.CDPAddress,
			CDPPort:        cfg.CDPPort,
			ProfileDir:     cfg.ProfileDir,
			RestoreSession: cfg.RestoreSession,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	liveClient := live.NewClient(cfg.CDPURL(), time.Duration(cfg.EvalTimeoutMS)*time.Millisecond)
	if err := liveClient.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := liveClient.Close(); err != nil {
			slog.Debug("live client close failed", "error", err)
		}
	}()

	l := loop.New()
	eng := engine.New(cfg.Engine(), engine.Deps{
		Store:        tr,
		Live:         liveClient,
		Scheduler:    l,
		Settings:     settings,
		Checkpointer: backups,
		Journal:      journalWriter,
	})

	liveClient.OnDetail(func(tabID string, d live.Detail) {
		l.Post(func(ctx context.Context) { eng.OnDetail(ctx, tabID, d) })
	})
	liveClient.OnTopologyChange(func(ev live.TopologyEvent) {
		l.Post(func(ctx context.Context) { eng.OnTopology(ctx, ev) })
	})

	broker := events.NewBroker(cfg.EventBufferSize)
	broker.Attach(tr)

	svc := controller.NewService(controller.Deps{
		Runner:   l,
		Engine:   eng,
		Tree:     tr,
		Live:     liveClient,
		Backups:  backups,
		Settings: settings,
		Broker:   broker,
		Notifier: notify.NewNotifier(&http.Client{Timeout: 10 * time.Second}, cfg.NotifyURL, time.Duration(cfg.NotifyIntervalSec)*time.Second),
	})
	svc.Watch()

	if cfg.CheckpointIntervalMin > 0 {
		l.Every("periodic-checkpoint", time.Duration(cfg.CheckpointIntervalMin)*time.Minute, func(ctx context.Context) {
			if err := backups.Checkpoint(ctx, "periodic"); err != nil {
				slog.Warn("periodic checkpoint failed", "error", err)
			}
		})
	}
	l.Post(eng.StartRun)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = l.Run(loopCtx)
	}()

	candidates, err := netutil.CandidateAddrs(cfg.BindAddr, cfg.PortCandidates)
	if err != nil {
		slog.Error("invalid bind address", "bind_addr", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, candidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	h := api.NewServer(svc, api.Options{Broker: broker, Heartbeat: time.Duration(cfg.EventHeartbeatSec) * time.Second})
	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("sidewised listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("sidewised server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("sidewised shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("sidewised shutdown failed", "error", err)
	}
	if err := l.Do(shutdownCtx, func(ctx context.Context) {
		if err := backups.Checkpoint(ctx, "shutdown"); err != nil {
			slog.Warn("shutdown checkpoint failed", "error", err)
		}
	}); err != nil {
		slog.Warn("shutdown checkpoint skipped", "error", err)
	}
	stopLoop()
	<-loopDone
}

// restoreTree loads the newest checkpoint and marks every node hibernated so
// the first association run can rebind it. An empty store yields a new tree.
func restoreTree(backups *backup.Store) *tree.Tree {
	meta, d, err := backups.Latest()
	if err != nil {
		if !errors.Is(err, backup.ErrNotFound) {
			slog.Warn("failed to read checkpoints, starting empty", "error", err)
		}
		return tree.New()
	}
	tr, err := tree.Load(d)
	if err != nil {
		slog.Warn("checkpoint tree invalid, starting empty", "id", meta.ID, "error", err)
		return tree.New()
	}
	tr.HibernateAll()
	slog.Info("tree restored from checkpoint", "id", meta.ID, "created_at", meta.CreatedAt, "nodes", tr.Len())
	return tr
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
