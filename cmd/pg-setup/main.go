package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rindexer/rindexer-pg/internal/archive"
	"github.com/rindexer/rindexer-pg/internal/dsn"
	"github.com/rindexer/rindexer-pg/internal/manifest"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/schema"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "", "path to the indexer manifest (required)")
		dsnSource    = flag.String("dsn-source", dsn.SourceEnv, "connection string source: env|aws")
		dsnKey       = flag.String("dsn-key", dsn.DefaultEnvKey, "env var name or secret id holding the connection string")
		connTimeout  = flag.Duration("connect-timeout", pgclient.DefaultConnectTimeout, "database connectivity check timeout")

		drop   = flag.Bool("drop", false, "drop every schema of the manifest instead of creating them")
		dryRun = flag.Bool("dry-run", false, "print the DDL script to stdout without connecting")

		archiveDriver = flag.String("archive-driver", "", "archive the applied script: s3|memory (empty disables)")
		archiveBucket = flag.String("archive-bucket", "", "s3 bucket for --archive-driver=s3")
		archivePrefix = flag.String("archive-prefix", "", "key prefix inside the archive")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "error: --manifest is required")
		os.Exit(2)
	}
	if *connTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --connect-timeout must be > 0")
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
	if m.Storage.Postgres.DisableCreateTables && !*drop {
		log.Info("table creation disabled in manifest", "indexer", m.Name)
		return
	}

	contracts := m.SchemaContracts()
	script := schema.DropTablesSQL(m.Name, contracts)
	if !*drop {
		script, err = schema.CreateTablesSQL(m.Name, contracts)
		if err != nil {
			log.Error("generate schema", "err", err)
			os.Exit(1)
		}
	}
	if *dryRun {
		fmt.Print(script)
		return
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
	db, err := pgclient.Connect(ctx, pgclient.Config{DSN: connString, ConnectTimeout: *connTimeout}, log)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	start := time.Now()
	if err := db.BatchExecute(ctx, script); err != nil {
		log.Error("apply schema", "err", err, "drop", *drop)
		os.Exit(1)
	}
	log.Info("schema applied", "indexer", m.Name, "contracts", len(contracts), "drop", *drop, "took", time.Since(start))

	if strings.TrimSpace(*archiveDriver) == "" {
		return
	}
	store, err := newArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
	if err != nil {
		log.Error("init archive", "err", err)
		os.Exit(1)
	}
	key, stored, err := archiveScript(ctx, store, m.Name, script, *drop)
	if err != nil {
		log.Error("archive schema script", "err", err, "key", key)
		os.Exit(1)
	}
	log.Info("schema script archived", "key", key, "new", stored)
}

// archiveScript stores script under its content key unless an identical
// script is already archived. stored reports whether a Put happened.
func archiveScript(ctx context.Context, store archive.Store, indexer, script string, drop bool) (key string, stored bool, err error) {
	key = archive.SetupScriptKey(indexer, []byte(script))
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return key, false, err
	}
	if exists {
		return key, false, nil
	}
	err = store.Put(ctx, key, []byte(script), archive.Meta{
		ContentType: "application/sql",
		Labels:      map[string]string{"indexer": indexer, "drop": strconv.FormatBool(drop)},
	})
	return key, err == nil, err
}

func newArchive(ctx context.Context, driver, bucket, prefix string) (archive.Store, error) {
	cfg := archive.Config{Driver: driver, Bucket: strings.TrimSpace(bucket), Prefix: prefix}
	if strings.EqualFold(strings.TrimSpace(driver), archive.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return archive.Open(cfg)
}
