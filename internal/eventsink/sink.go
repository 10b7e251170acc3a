// Package eventsink loads raw contract logs from an event stream into their
// event tables: decode, project, batch per table, bulk write, then commit.
package eventsink

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/archive"
	"github.com/rindexer/rindexer-pg/internal/batching"
	"github.com/rindexer/rindexer-pg/internal/eventstream"
	"github.com/rindexer/rindexer-pg/internal/manifest"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/projector"
	"github.com/rindexer/rindexer-pg/internal/schema"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
	"golang.org/x/sync/errgroup"
)

const (
	ModeCopy   = "copy"
	ModeInsert = "insert"
)

var ErrInvalidConfig = errors.New("eventsink: invalid config")

// Loader writes rows into one table. *bulk.Writer implements it.
type Loader interface {
	Copy(ctx context.Context, table string, columns []string, columnOIDs []uint32, rows [][]sqltype.Value) (int64, error)
	Insert(ctx context.Context, table string, columns []string, rows [][]sqltype.Value) error
}

type Config struct {
	Indexer string
	Mode    string

	// ResultTopic receives one Outcome per written batch. Empty disables
	// reporting.
	ResultTopic string

	MaxRows          int
	MaxAge           time.Duration
	WriteParallelism int
	CommitTimeout    time.Duration

	Now func() time.Time
}

// Outcome reports one batch written (or rejected) by the sink.
type Outcome struct {
	BatchID    string    `json:"batch_id"`
	Indexer    string    `json:"indexer"`
	Table      string    `json:"table"`
	Rows       int       `json:"rows"`
	Mode       string    `json:"mode"`
	Error      string    `json:"error,omitempty"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	FlushedAt  time.Time `json:"flushed_at"`
}

type route struct {
	event abi.Event
	table schema.EventTable
}

type routeKey struct {
	network string
	address common.Address
	topic   common.Hash
}

type pendingRow struct {
	logID []byte
	row   []sqltype.Value
	raw   json.RawMessage
}

type Sink struct {
	cfg Config

	routes    map[routeKey]route
	tables    map[string]schema.EventTable
	batcher   *batching.Batcher[pendingRow]
	loader    Loader
	publisher eventstream.Publisher
	archive   archive.Store
	log       *slog.Logger

	uncommitted []eventstream.Record

	rowsWritten    atomic.Uint64
	rowsRejected   atomic.Uint64
	recordsSkipped atomic.Uint64
}

// New builds the routing table from the manifest bindings. publisher and
// store may be nil.
func New(cfg Config, m *manifest.Manifest, loader Loader, publisher eventstream.Publisher, store archive.Store, log *slog.Logger) (*Sink, error) {
	if m == nil || loader == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Indexer == "" {
		cfg.Indexer = m.Name
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeCopy
	case ModeCopy, ModeInsert:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.ResultTopic != "" && publisher == nil {
		return nil, fmt.Errorf("%w: result topic without publisher", ErrInvalidConfig)
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = batching.DefaultMaxAge
	}
	if cfg.WriteParallelism <= 0 {
		cfg.WriteParallelism = 4
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}

	b, err := batching.New[pendingRow](batching.Config{MaxItems: cfg.MaxRows, MaxAge: cfg.MaxAge, Now: cfg.Now})
	if err != nil {
		return nil, fmt.Errorf("eventsink: %w", err)
	}
	s := &Sink{
		cfg:       cfg,
		routes:    make(map[routeKey]route),
		tables:    make(map[string]schema.EventTable),
		batcher:   b,
		loader:    loader,
		publisher: publisher,
		archive:   store,
		log:       log,
	}
	if err := s.bind(m.Bindings()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) bind(bindings []manifest.Binding) error {
	for _, b := range bindings {
		tables, err := schema.EventTables(s.cfg.Indexer, b.Contract)
		if err != nil {
			return fmt.Errorf("eventsink: %w", err)
		}
		for _, t := range tables {
			ev, err := b.ABI.Event(t.Event)
			if err != nil {
				return fmt.Errorf("eventsink: %s: %w", b.Contract.Name, err)
			}
			key := routeKey{network: b.Network, address: b.Address, topic: ev.ID}
			if prev, ok := s.routes[key]; ok && prev.table.FullName() != t.FullName() {
				return fmt.Errorf("%w: %s and %s both receive %s logs of %s on %s",
					ErrInvalidConfig, prev.table.FullName(), t.FullName(), t.Event, bindingTarget(b), b.Network)
			}
			s.routes[key] = route{event: ev, table: t}
			s.tables[t.FullName()] = t
		}
	}
	if len(s.routes) == 0 {
		return fmt.Errorf("%w: manifest binds no events", ErrInvalidConfig)
	}
	return nil
}

func bindingTarget(b manifest.Binding) string {
	if b.Any() {
		return "any address"
	}
	return b.Address.Hex()
}

func (s *Sink) lookup(network string, address common.Address, topic common.Hash) (route, bool) {
	if r, ok := s.routes[routeKey{network, address, topic}]; ok {
		return r, true
	}
	r, ok := s.routes[routeKey{network, common.Address{}, topic}]
	return r, ok
}

// Run consumes src until ctx is done or the source is drained. Records are
// committed only after every row buffered before them has been written, so
// delivery is at least once. A database failure stops the sink with the
// records still uncommitted.
func (s *Sink) Run(ctx context.Context, src eventstream.Source) error {
	if src == nil {
		return fmt.Errorf("%w: nil source", ErrInvalidConfig)
	}

	ticker := time.NewTicker(tickInterval(s.cfg.MaxAge))
	defer ticker.Stop()

	records := src.Records()
	errs := src.Errors()
	var firstErr error

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommitTimeout)
			err := s.flush(fctx, s.batcher.Flush())
			cancel()
			if err != nil {
				return err
			}
			return firstErr
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				s.log.Error("event-sink stream error", "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		case <-ticker.C:
			due := s.batcher.FlushDue()
			if len(due) == 0 {
				if err := s.commit(); err != nil {
					return err
				}
				continue
			}
			if err := s.flush(ctx, append(due, s.batcher.Flush()...)); err != nil {
				return err
			}
		case rec, ok := <-records:
			if !ok {
				if err := s.flush(ctx, s.batcher.Flush()); err != nil {
					return err
				}
				return firstErr
			}
			full, ok, err := s.accept(ctx, rec)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := s.flush(ctx, append([]batching.Batch[pendingRow]{full}, s.batcher.Flush()...)); err != nil {
				return err
			}
		}
	}
}

func tickInterval(maxAge time.Duration) time.Duration {
	if d := maxAge / 4; d >= 10*time.Millisecond {
		return d
	}
	return 10 * time.Millisecond
}

// accept decodes one record into a buffered row. It returns a batch when the
// record's table filled up. A routed log that cannot be decoded or projected
// is rejected on its own; the error is only set when reporting fails.
func (s *Sink) accept(ctx context.Context, rec eventstream.Record) (batching.Batch[pendingRow], bool, error) {
	s.uncommitted = append(s.uncommitted, rec)

	env, err := eventstream.ParseEnvelope(rec.Value)
	if err != nil {
		s.skip("invalid envelope", err)
		return batching.Batch[pendingRow]{}, false, nil
	}
	if len(env.Log.Topics) == 0 {
		s.recordsSkipped.Add(1)
		return batching.Batch[pendingRow]{}, false, nil
	}
	r, ok := s.lookup(env.Network, env.Log.Address, env.Log.Topics[0])
	if !ok {
		s.recordsSkipped.Add(1)
		return batching.Batch[pendingRow]{}, false, nil
	}
	pending := pendingRow{logID: logID(env), raw: json.RawMessage(rec.Value)}

	params, err := abiitem.DecodeLog(r.event, env.Log)
	if err != nil {
		return batching.Batch[pendingRow]{}, false, s.reject(ctx, r.table, []pendingRow{pending}, err)
	}
	row, err := projector.ProjectLog(r.table.Inputs, projector.DecodedLog{
		Params: params,
		Receipt: projector.Receipt{
			ContractAddress: env.Log.Address,
			TxHash:          env.Log.TxHash,
			BlockNumber:     env.Log.BlockNumber,
			BlockHash:       env.Log.BlockHash,
			Network:         env.Network,
			TxIndex:         uint64(env.Log.TxIndex),
			LogIndex:        uint64(env.Log.Index),
		},
	})
	if err != nil {
		return batching.Batch[pendingRow]{}, false, s.reject(ctx, r.table, []pendingRow{pending}, err)
	}

	pending.row = row
	full, ok := s.batcher.Add(r.table.FullName(), pending)
	return full, ok, nil
}

func (s *Sink) skip(msg string, err error, attrs ...any) {
	s.recordsSkipped.Add(1)
	s.log.Warn("event-sink skipping record: "+msg, append(attrs, "err", err)...)
}

func logID(env eventstream.Envelope) []byte {
	id := make([]byte, 0, len(env.Network)+common.HashLength+8)
	id = append(id, env.Network...)
	id = append(id, env.Log.TxHash.Bytes()...)
	return binary.BigEndian.AppendUint64(id, uint64(env.Log.Index))
}

// flush writes batches concurrently, one table per goroutine, then commits
// every record received so far.
func (s *Sink) flush(ctx context.Context, batches []batching.Batch[pendingRow]) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WriteParallelism)
	for _, b := range batches {
		g.Go(func() error { return s.write(gctx, b) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(batches) > 0 {
		s.emitMetrics()
	}
	return s.commit()
}

func (s *Sink) outcome(t schema.EventTable, items []pendingRow) ([32]byte, Outcome) {
	ids := make([][]byte, len(items))
	for i, it := range items {
		ids[i] = it.logID
	}
	id := batching.BatchID(ids)
	return id, Outcome{
		BatchID:   "0x" + hex.EncodeToString(id[:]),
		Indexer:   s.cfg.Indexer,
		Table:     t.FullName(),
		Rows:      len(items),
		Mode:      s.cfg.Mode,
		FlushedAt: s.cfg.Now().UTC(),
	}
}

// reject archives items that will never load into t and reports them with
// cause as the outcome error.
func (s *Sink) reject(ctx context.Context, t schema.EventTable, items []pendingRow, cause error) error {
	id, out := s.outcome(t, items)
	s.rowsRejected.Add(uint64(len(items)))
	out.Error = cause.Error()
	out.ArchiveKey = s.archiveRejected(ctx, t, id, out, items)
	s.log.Error("event-sink rejected batch", "table", t.FullName(), "rows", len(items), "batch_id", out.BatchID, "err", cause)
	return s.report(ctx, out)
}

func (s *Sink) write(ctx context.Context, b batching.Batch[pendingRow]) error {
	t := s.tables[b.Key]
	rows := make([][]sqltype.Value, len(b.Items))
	for i, it := range b.Items {
		rows[i] = it.row
	}
	_, out := s.outcome(t, b.Items)

	var err error
	if s.cfg.Mode == ModeInsert {
		err = s.loader.Insert(ctx, t.QualifiedName(), t.ColumnNames(), rows)
	} else {
		_, err = s.loader.Copy(ctx, t.QualifiedName(), t.ColumnNames(), t.ColumnOIDs(), rows)
	}
	switch {
	case err == nil:
		s.rowsWritten.Add(uint64(len(rows)))
	case pgclient.IsConnectivity(err) || ctx.Err() != nil:
		return fmt.Errorf("eventsink: write %s: %w", t.FullName(), err)
	default:
		return s.reject(ctx, t, b.Items, err)
	}
	return s.report(ctx, out)
}

// RejectedBatch is the archived form of a batch that could not be loaded:
// its outcome plus the raw envelopes, ready to be published again.
type RejectedBatch struct {
	Outcome
	Logs []json.RawMessage `json:"logs"`
}

func (s *Sink) archiveRejected(ctx context.Context, t schema.EventTable, id [32]byte, out Outcome, items []pendingRow) string {
	if s.archive == nil {
		return ""
	}
	rb := RejectedBatch{Outcome: out, Logs: make([]json.RawMessage, len(items))}
	for i, it := range items {
		rb.Logs[i] = it.raw
	}
	payload, err := json.Marshal(rb)
	if err != nil {
		s.log.Error("event-sink encode rejected batch", "table", t.FullName(), "err", err)
		return ""
	}
	key := archive.RejectedBatchKey(s.cfg.Indexer, t.FullName(), id)
	err = s.archive.Put(ctx, key, payload, archive.Meta{
		ContentType: "application/json",
		Labels:      map[string]string{"indexer": s.cfg.Indexer, "table": t.FullName()},
	})
	if err != nil {
		s.log.Error("event-sink archive rejected batch", "key", key, "err", err)
		return ""
	}
	return key
}

func (s *Sink) report(ctx context.Context, out Outcome) error {
	if s.cfg.ResultTopic == "" {
		return nil
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("eventsink: encode outcome: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.cfg.ResultTopic, []byte(out.Table), payload); err != nil {
		return fmt.Errorf("eventsink: publish outcome: %w", err)
	}
	return nil
}

func (s *Sink) commit() error {
	if s.batcher.Len() > 0 || len(s.uncommitted) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommitTimeout)
	defer cancel()
	for _, rec := range s.uncommitted {
		if err := rec.Commit(ctx); err != nil {
			return fmt.Errorf("eventsink: commit: %w", err)
		}
	}
	s.uncommitted = s.uncommitted[:0]
	return nil
}

func (s *Sink) emitMetrics() {
	s.log.Info("event-sink metrics",
		"rows_written", s.rowsWritten.Load(),
		"rows_rejected", s.rowsRejected.Load(),
		"records_skipped", s.recordsSkipped.Load(),
		"buffered_rows", s.batcher.Len(),
	)
}

// Stats is a snapshot of the sink counters.
type Stats struct {
	RowsWritten    uint64
	RowsRejected   uint64
	RecordsSkipped uint64
}

func (s *Sink) Stats() Stats {
	return Stats{
		RowsWritten:    s.rowsWritten.Load(),
		RowsRejected:   s.rowsRejected.Load(),
		RecordsSkipped: s.recordsSkipped.Load(),
	}
}

// Tables lists the bound tables in schema.table form.
func (s *Sink) Tables() []string {
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
