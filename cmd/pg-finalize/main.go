package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rindexer/rindexer-pg/internal/dropscript/postgres"
	"github.com/rindexer/rindexer-pg/internal/dsn"
	"github.com/rindexer/rindexer-pg/internal/indexes"
	"github.com/rindexer/rindexer-pg/internal/leases"
	leasespg "github.com/rindexer/rindexer-pg/internal/leases/postgres"
	"github.com/rindexer/rindexer-pg/internal/manifest"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/relationship"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "", "path to the indexer manifest (required)")
		dsnSource    = flag.String("dsn-source", dsn.SourceEnv, "connection string source: env|aws")
		dsnKey       = flag.String("dsn-key", dsn.DefaultEnvKey, "env var name or secret id holding the connection string")
		connTimeout  = flag.Duration("connect-timeout", pgclient.DefaultConnectTimeout, "database connectivity check timeout")
		maxConns     = flag.Int("max-conns", 8, "maximum pooled connections")

		owner    = flag.String("owner", defaultOwner(), "lease owner id for this run")
		leaseTTL = flag.Duration("lease-ttl", 30*time.Second, "lifecycle lease ttl; renewed every ttl/3")

		dropOnly        = flag.Bool("drop-only", false, "only drop the last applied relationships and indexes (run before a backfill)")
		dropParallelism = flag.Int("index-drop-parallelism", indexes.DefaultDropParallelism, "concurrent index drops")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "error: --manifest is required")
		os.Exit(2)
	}
	if *connTimeout <= 0 || *maxConns <= 0 || *dropParallelism <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --connect-timeout, --max-conns, --index-drop-parallelism, and --lease-ttl must be > 0")
		os.Exit(2)
	}
	if *owner == "" {
		fmt.Fprintln(os.Stderr, "error: --owner must not be empty")
		os.Exit(2)
	}

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if !m.Storage.Postgres.Enabled {
		log.Info("postgres storage disabled in manifest, nothing to do", "indexer", m.Name)
		return
	}

	contracts := m.SchemaContracts()
	rels, err := relationship.Build(m.Name, contracts, m.ForeignKeys())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: relationships: %v\n", err)
		os.Exit(2)
	}
	var idx []indexes.Index
	if cfg, ok := m.IndexConfig(); ok {
		idx, err = indexes.Build(m.Name, contracts, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: indexes: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := dsn.NewProvider(ctx, *dsnSource)
	if err != nil {
		log.Error("init dsn provider", "err", err)
		os.Exit(2)
	}
	connString, err := dsn.Resolve(ctx, provider, *dsnKey)
	if err != nil {
		log.Error("resolve connection string", "err", err, "key", *dsnKey)
		os.Exit(2)
	}
	db, err := pgclient.Connect(ctx, pgclient.Config{DSN: connString, ConnectTimeout: *connTimeout, MaxConns: int32(*maxConns)}, log)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := postgres.New(db.Pool())
	if err != nil {
		log.Error("init drop script store", "err", err)
		os.Exit(1)
	}
	if err := store.EnsureSchema(ctx, m.Name); err != nil {
		log.Error("ensure drop script schema", "err", err)
		os.Exit(1)
	}
	leaseStore, err := leasespg.New(db.Pool())
	if err != nil {
		log.Error("init lease store", "err", err)
		os.Exit(1)
	}
	if err := leaseStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure lease schema", "err", err)
		os.Exit(1)
	}

	relMgr, err := relationship.NewManager(db, store, m.Name, log)
	if err != nil {
		log.Error("init relationship manager", "err", err)
		os.Exit(1)
	}
	idxMgr, err := indexes.NewManager(db, store, m.Name, log)
	if err != nil {
		log.Error("init index manager", "err", err)
		os.Exit(1)
	}
	idxMgr.DropParallelism = *dropParallelism

	err = leases.Hold(ctx, leaseStore, leases.LifecycleName(m.Name), *owner, *leaseTTL, func(ctx context.Context) error {
		if *dropOnly {
			if err := dropLastKnown(ctx, relMgr, idxMgr); err != nil {
				return err
			}
			log.Info("dropped last known relationships and indexes", "indexer", m.Name)
			return nil
		}
		if err := finalize(ctx, relMgr, idxMgr, rels, idx); err != nil {
			return err
		}
		log.Info("finalized", "indexer", m.Name, "relationships", len(rels), "indexes", len(idx))
		return nil
	})
	if err != nil {
		log.Error("finalize", "err", err, "owner", *owner)
		os.Exit(1)
	}
}

func dropLastKnown(ctx context.Context, relMgr *relationship.Manager, idxMgr *indexes.Manager) error {
	if err := relMgr.DropLastKnown(ctx); err != nil {
		return fmt.Errorf("drop relationships: %w", err)
	}
	if err := idxMgr.DropLastKnown(ctx); err != nil {
		return fmt.Errorf("drop indexes: %w", err)
	}
	return nil
}

// finalize retracts both previous scripts before applying either set. A
// relationship index and a single-column index on the same column share a
// name, so no drop may run after an apply.
func finalize(ctx context.Context, relMgr *relationship.Manager, idxMgr *indexes.Manager, rels []relationship.Relationship, idx []indexes.Index) error {
	if err := dropLastKnown(ctx, relMgr, idxMgr); err != nil {
		return err
	}
	if err := relMgr.Apply(ctx, rels); err != nil {
		return fmt.Errorf("apply relationships: %w", err)
	}
	if err := idxMgr.Apply(ctx, idx); err != nil {
		return fmt.Errorf("apply indexes: %w", err)
	}
	return nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pg-finalize"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
