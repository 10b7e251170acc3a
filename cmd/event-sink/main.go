package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rindexer/rindexer-pg/internal/archive"
	"github.com/rindexer/rindexer-pg/internal/bulk"
	"github.com/rindexer/rindexer-pg/internal/dsn"
	"github.com/rindexer/rindexer-pg/internal/eventsink"
	"github.com/rindexer/rindexer-pg/internal/eventstream"
	"github.com/rindexer/rindexer-pg/internal/manifest"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "", "path to the indexer manifest (required)")
		dsnSource    = flag.String("dsn-source", dsn.SourceEnv, "connection string source: env|aws")
		dsnKey       = flag.String("dsn-key", dsn.DefaultEnvKey, "env var name or secret id holding the connection string")
		connTimeout  = flag.Duration("connect-timeout", pgclient.DefaultConnectTimeout, "database connectivity check timeout")
		maxConns     = flag.Int("max-conns", 8, "maximum pooled connections")

		mode             = flag.String("mode", eventsink.ModeCopy, "write mode: copy|insert")
		batchMaxRows     = flag.Int("batch-max-rows", 1000, "rows per table batch before a flush")
		batchMaxAge      = flag.Duration("batch-max-age", 2*time.Second, "max age of a table batch before a flush")
		writeParallelism = flag.Int("write-parallelism", 4, "tables written concurrently per flush")

		streamDriver   = flag.String("stream-driver", eventstream.DriverKafka, "stream driver: kafka|stdio")
		streamBrokers  = flag.String("stream-brokers", "", "comma-separated kafka brokers (required for kafka)")
		streamGroup    = flag.String("stream-group", "rindexer-pg-sink", "kafka consumer group")
		inputTopics    = flag.String("input-topics", "rindexer.logs.v1", "comma-separated input topics")
		resultTopic    = flag.String("result-topic", "", "batch outcome topic (empty disables reporting)")
		streamMaxBytes = flag.Int("stream-max-bytes", 10<<20, "max kafka message size to consume")
		maxLineBytes   = flag.Int("max-line-bytes", 1<<20, "max stdin line bytes for stdio driver")
		commitTimeout  = flag.Duration("commit-timeout", 5*time.Second, "stream commit timeout")

		archiveDriver = flag.String("archive-driver", "", "archive rejected batches: s3|memory (empty disables)")
		archiveBucket = flag.String("archive-bucket", "", "s3 bucket for --archive-driver=s3")
		archivePrefix = flag.String("archive-prefix", "", "key prefix inside the archive")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "error: --manifest is required")
		os.Exit(2)
	}
	if *batchMaxRows <= 0 || *writeParallelism <= 0 || *maxConns <= 0 || *streamMaxBytes <= 0 || *maxLineBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --batch-max-rows, --write-parallelism, --max-conns, --stream-max-bytes, and --max-line-bytes must be > 0")
		os.Exit(2)
	}
	if *batchMaxAge <= 0 || *commitTimeout <= 0 || *connTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeout/interval values must be > 0")
		os.Exit(2)
	}
	topics := eventstream.SplitList(*inputTopics)
	if len(topics) == 0 {
		fmt.Fprintln(os.Stderr, "error: --input-topics is required")
		os.Exit(2)
	}

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if !m.Storage.Postgres.Enabled {
		fmt.Fprintln(os.Stderr, "error: postgres storage is disabled in the manifest")
		os.Exit(2)
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

	writer, err := bulk.New(db, log)
	if err != nil {
		log.Error("init bulk writer", "err", err)
		os.Exit(1)
	}

	src, err := eventstream.OpenSource(ctx, eventstream.SourceConfig{
		Driver:       *streamDriver,
		Brokers:      eventstream.SplitList(*streamBrokers),
		Group:        *streamGroup,
		Topics:       topics,
		MaxBytes:     *streamMaxBytes,
		MaxLineBytes: *maxLineBytes,
	})
	if err != nil {
		log.Error("init event stream", "err", err)
		os.Exit(2)
	}
	defer func() { _ = src.Close() }()

	var pub eventstream.Publisher
	if *resultTopic != "" {
		pub, err = eventstream.OpenPublisher(eventstream.PublisherConfig{
			Driver:  *streamDriver,
			Brokers: eventstream.SplitList(*streamBrokers),
		})
		if err != nil {
			log.Error("init outcome publisher", "err", err)
			os.Exit(2)
		}
		defer func() { _ = pub.Close() }()
	}

	var store archive.Store
	if strings.TrimSpace(*archiveDriver) != "" {
		store, err = newArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
		if err != nil {
			log.Error("init archive", "err", err)
			os.Exit(2)
		}
	}

	sink, err := eventsink.New(eventsink.Config{
		Indexer:          m.Name,
		Mode:             *mode,
		ResultTopic:      *resultTopic,
		MaxRows:          *batchMaxRows,
		MaxAge:           *batchMaxAge,
		WriteParallelism: *writeParallelism,
		CommitTimeout:    *commitTimeout,
	}, m, writer, pub, store, log)
	if err != nil {
		log.Error("init event sink", "err", err)
		os.Exit(2)
	}

	log.Info("event-sink started", "indexer", m.Name, "tables", len(sink.Tables()), "mode", *mode, "stream", *streamDriver)
	if err := sink.Run(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("event-sink stopped", "err", err)
		os.Exit(1)
	}
	st := sink.Stats()
	log.Info("event-sink stopped", "rows_written", st.RowsWritten, "rows_rejected", st.RowsRejected, "records_skipped", st.RecordsSkipped)
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
