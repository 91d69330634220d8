package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/facility-hub/facility-hub/internal/api/http"
	"github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/application/auth"
	"github.com/facility-hub/facility-hub/internal/application/booking"
	"github.com/facility-hub/facility-hub/internal/application/catalog"
	"github.com/facility-hub/facility-hub/internal/application/ledger"
	"github.com/facility-hub/facility-hub/internal/application/synchronizer"
	"github.com/facility-hub/facility-hub/internal/application/user"
	"github.com/facility-hub/facility-hub/internal/config"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/domain/conflict"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/infrastructure/badgerstore"
	"github.com/facility-hub/facility-hub/internal/infrastructure/keylock"
	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
	"github.com/facility-hub/facility-hub/internal/infrastructure/metrics"
	"github.com/facility-hub/facility-hub/internal/infrastructure/natsfeed"
	"github.com/facility-hub/facility-hub/internal/infrastructure/postgres"
	"github.com/facility-hub/facility-hub/internal/infrastructure/replication"
	"github.com/facility-hub/facility-hub/internal/infrastructure/sse"
	"github.com/facility-hub/facility-hub/internal/scheduler"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(runCtx)

	// local fan-out; every change reaches streams and the synchronizer through it
	hub := sse.NewHub()
	defer hub.Stop()

	st, cluster, cleanup, err := openStore(ctx, g, cfg, hub, logger)
	if err != nil {
		cancel()
		return err
	}
	defer cleanup()
	defer cancel()

	publisher := changefeed.Multi{hub}
	if cfg.NATSURL != "" {
		feed, err := natsfeed.Connect(cfg.NATSURL, cfg.NATSSubject, "facility-hub", logger)
		if err != nil {
			return err
		}
		defer feed.Close()
		publisher = append(publisher, feed)
		stopBridge, err := hub.Bridge(ctx, feed)
		if err != nil {
			return err
		}
		defer stopBridge()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveStreams(hub.GetClientCount)

	conflictPolicy, err := cfg.Policy.ConflictPolicy()
	if err != nil {
		return err
	}
	var rule *booking.ApprovalRule
	if cfg.Policy.AutoApprove != "" {
		if rule, err = booking.NewApprovalRule(cfg.Policy.AutoApprove); err != nil {
			return err
		}
	}

	// services
	locks := keylock.New()
	auditSvc := audit.NewService(st, logger, cfg.AuditSigningKey)
	bookingSvc := booking.NewService(
		st,
		conflict.NewDetector(conflictPolicy),
		auditSvc,
		publisher,
		locks,
		m,
		booking.Config{Slot: cfg.Policy.SlotDuration(), ApprovalRule: rule},
		logger,
	)
	catalogSvc := catalog.NewService(st, auditSvc, publisher, locks, logger)
	ledgerSvc := ledger.NewService(st, auditSvc, publisher, locks, m, logger)
	userSvc := user.NewService(st, auditSvc, publisher, logger)
	authSvc := auth.NewService(st, auditSvc, cfg.SessionTTL, logger)
	syncSvc, err := synchronizer.NewService(
		synchronizer.NewStoreSource(st, cfg.Policy.SnapshotHorizon()),
		hub,
		cfg.SnapshotCacheSize,
		m,
		logger,
	)
	if err != nil {
		return err
	}

	deps := httpapi.Deps{
		Bookings:            bookingSvc,
		Catalog:             catalogSvc,
		Ledger:              ledgerSvc,
		Users:               userSvc,
		Auth:                authSvc,
		Audit:               auditSvc,
		Sync:                syncSvc,
		Hub:                 hub,
		Metrics:             metrics.HandlerFor(reg),
		SessionCookieName:   cfg.SessionCookieName,
		SessionCookieSecure: cfg.SessionCookieSecure,
		Logger:              logger,
	}
	if cluster != nil {
		deps.Cluster = cluster
	}
	apiServer := httpapi.NewServer(deps)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the sync stream is long-lived; handlers carry their own timeouts
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	g.Go(func() error {
		return syncSvc.Start(ctx)
	})
	g.Go(func() error {
		return scheduler.New(bookingSvc, authSvc, cfg.SweepInterval, logger).Start(ctx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Str("backend", cfg.StoreBackend).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cluster != nil && cfg.Raft.JoinURL != "" {
		g.Go(func() error {
			return replication.Join(ctx, cfg.Raft.JoinURL, replication.JoinRequest{
				NodeID:   cluster.ID(),
				RaftAddr: cluster.RaftAddr(),
			}, 10, 2*time.Second)
		})
	}

	// graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctxShutdown)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore builds the system of record for the configured backend. Loops
// it needs, such as journal checkpoints, are added to g. Raft followers
// announce replicated writes on local.
func openStore(ctx context.Context, g *errgroup.Group, cfg *config.Config, local changefeed.Publisher, logger zerolog.Logger) (store.Store, *replication.Node, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return postgres.NewStore(pool, cfg.StoreTimeout, logger), nil, pool.Close, nil

	case config.BackendRaft:
		st := memory.New()
		node, err := replication.NewNode(replication.Config{
			NodeID:    cfg.Raft.NodeID,
			RaftAddr:  cfg.Raft.Addr,
			DataDir:   cfg.Raft.DataDir,
			Bootstrap: cfg.Raft.Bootstrap,
			Feed:      local,
		}, st, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() {
			if err := node.Shutdown(); err != nil {
				logger.Warn().Err(err).Msg("raft shutdown failed")
			}
		}
		return st, node, cleanup, nil

	default:
		if cfg.BadgerDir == "" {
			return memory.New(), nil, func() {}, nil
		}
		journal, err := badgerstore.Open(cfg.BadgerDir, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		st := memory.New(memory.WithJournal(journal))
		if err := journal.Replay(st); err != nil {
			_ = journal.Close()
			return nil, nil, nil, err
		}
		done := make(chan struct{})
		g.Go(func() error {
			defer close(done)
			journal.Run(ctx, st, cfg.CheckpointInterval)
			return nil
		})
		cleanup := func() {
			<-done
			_ = journal.Close()
		}
		return st, nil, cleanup, nil
	}
}
