package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexustechpro/nexusbot-sub001/internal/config"
	"github.com/nexustechpro/nexusbot-sub001/internal/credstore"
	"github.com/nexustechpro/nexusbot-sub001/internal/logging"
	"github.com/nexustechpro/nexusbot-sub001/internal/metastore"
	"github.com/nexustechpro/nexusbot-sub001/internal/metrics"
	"github.com/nexustechpro/nexusbot-sub001/internal/reconnect"
	"github.com/nexustechpro/nexusbot-sub001/internal/recovery"
	"github.com/nexustechpro/nexusbot-sub001/internal/replication"
	"github.com/nexustechpro/nexusbot-sub001/internal/session"
	"github.com/nexustechpro/nexusbot-sub001/internal/transport"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("nexusd starting",
		slog.String("version", Version),
		slog.String("sessions_dir", cfg.SessionsDir),
		slog.String("storage_mode", string(cfg.StorageMode)),
		slog.Bool("secondary", cfg.SecondaryConfigured()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Secondary backend and its replication worker, when configured.
	var repl *replication.Sync

	if cfg.SecondaryConfigured() {
		secondary, err := replication.OpenSecondary(cfg.SecondaryDBPath)
		if err != nil {
			return fmt.Errorf("opening secondary backend: %w", err)
		}
		defer secondary.Close()

		mode := replication.ModeIntelligent
		if cfg.StorageMode == config.StorageModeSecondary {
			mode = replication.ModeFull
		}

		repl = replication.NewSync(secondary, replication.Config{
			Mode:          mode,
			FailThreshold: cfg.ReplicationFailThreshold,
			HealThreshold: cfg.ReplicationHealThreshold,
		}, logger, m)
	}

	storeOpts := []credstore.Option{}
	if repl != nil {
		storeOpts = append(storeOpts, credstore.WithMirror(repl))
	}

	store, err := credstore.New(cfg.SessionsDir, logger, storeOpts...)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	metaStore, err := metastore.OpenStore(cfg.MetadataDBPath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	coordOpts := []metastore.CoordinatorOption{}
	if repl != nil {
		coordOpts = append(coordOpts,
			metastore.WithMirror(repl),
			metastore.WithSecondaryReader(repl))
	}

	coord := metastore.NewCoordinator(metaStore, metastore.Config{}, logger, coordOpts...)
	defer coord.FlushAll()

	table := reconnect.DefaultTable()
	if cfg.ClassificationFile != "" {
		if err := table.LoadOverrides(cfg.ClassificationFile); err != nil {
			return fmt.Errorf("loading classification overrides: %w", err)
		}

		logger.Info("classification overrides loaded",
			slog.String("file", cfg.ClassificationFile))
	}

	engine := reconnect.NewEngine(reconnect.Config{
		BackoffBase: cfg.ReconnectBackoffBase,
		BackoffMax:  cfg.ReconnectBackoffMax,
	}, table, coord, logger, m)

	handler := recovery.NewHandler(recovery.Config{
		Cooldown:    cfg.DecryptResetCooldown,
		MaxAttempts: cfg.DecryptResetMaxAttempts,
	}, store, engine, logger, m)

	dialer := &transport.GatewayDialer{URL: cfg.GatewayURL, Logger: logger}

	registry := session.NewRegistry(cfg.MaxConcurrentSessions, m)
	cache := session.NewMessageCache(0, nil, m)

	var secondarySource session.SecondarySource
	if repl != nil {
		secondarySource = repl
	}

	manager := session.NewManager(
		session.Config{}, store, coord, secondarySource,
		dialer, engine, handler, registry, cache, logger, m,
	)

	// Late binding: the engine and handler call back into the manager, and
	// the transport answers resend queries from its cache.
	engine.Bind(manager, manager, manager)
	handler.BindProbes(manager)
	dialer.Retry = manager.Retry

	restoreSessions(ctx, manager, store, coord, logger)

	g, gctx := errgroup.WithContext(ctx)

	if repl != nil {
		g.Go(func() error { return repl.Run(gctx) })
	}

	g.Go(func() error { return coord.RunSweeper(gctx, store) })
	g.Go(func() error { return handler.RunSweeper(gctx) })
	g.Go(func() error { return watchSessionsRoot(gctx, store, manager, logger) })

	if cfg.MetricsListenAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsListenAddr, m, logger) })
	}

	err = g.Wait()

	manager.Close(context.Background())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("nexusd stopped")

	return nil
}

// restoreSessions reopens every session that still has a complete
// credential record on disk.
func restoreSessions(ctx context.Context, manager *session.Manager, store *credstore.Store, coord *metastore.Coordinator, logger *slog.Logger) {
	ids, err := store.Sessions()
	if err != nil {
		logger.Error("enumerating stored sessions", slog.Any("error", err))

		return
	}

	restored := 0

	for _, id := range ids {
		if err := manager.VerifyCredentials(id); err != nil {
			logger.Warn("skipping session with unusable credentials",
				slog.String("session_id", id),
				slog.Any("error", err))

			continue
		}

		userID := ""
		if md, err := coord.Get(ctx, id); err == nil && md != nil {
			userID = md.UserID
		}

		if err := manager.Open(ctx, id, userID, "", session.Callbacks{}); err != nil {
			logger.Error("restoring session",
				slog.String("session_id", id),
				slog.Any("error", err))

			continue
		}

		restored++
	}

	logger.Info("session restore finished",
		slog.Int("found", len(ids)),
		slog.Int("restored", restored))
}

// watchSessionsRoot reacts to session directories appearing or vanishing
// outside the process, keeping the registry honest.
func watchSessionsRoot(ctx context.Context, store *credstore.Store, manager *session.Manager, logger *slog.Logger) error {
	watcher := credstore.NewRootWatcher(store, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return watcher.Watch(gctx) })

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-watcher.Events():
				if !ok {
					return nil
				}

				if !ev.Removed {
					continue
				}

				logger.Warn("session directory removed externally",
					slog.String("session_id", ev.SessionID))

				if err := manager.DisconnectSession(gctx, ev.SessionID, false); err != nil {
					logger.Debug("closing session for removed directory",
						slog.String("session_id", ev.SessionID),
						slog.Any("error", err))
				}
			}
		}
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	logger.Info("metrics listening", slog.String("addr", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}
