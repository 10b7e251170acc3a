// Package eventstream carries raw contract logs into the sink and batch
// outcome reports out of it, over Kafka or line-delimited stdio.
package eventstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	envKafkaTLS         = "RINDEXER_STREAM_KAFKA_TLS"
	defaultMaxLineBytes = 1 << 20
	defaultMinBytes     = 1
	defaultMaxBytes     = 10 << 20
)

var (
	ErrInvalidConfig   = errors.New("eventstream: invalid config")
	ErrInvalidEnvelope = errors.New("eventstream: invalid envelope")
)

// Envelope is one raw log as published by the block fetcher.
type Envelope struct {
	Network string    `json:"network"`
	Log     types.Log `json:"log"`
}

// ParseEnvelope decodes and validates one stream record. Removed logs are
// rejected; reorg handling happens upstream.
func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.Network = strings.TrimSpace(env.Network)
	if env.Network == "" {
		return Envelope{}, fmt.Errorf("%w: empty network", ErrInvalidEnvelope)
	}
	if env.Log.TxHash == (common.Hash{}) {
		return Envelope{}, fmt.Errorf("%w: missing log", ErrInvalidEnvelope)
	}
	if env.Log.Removed {
		return Envelope{}, fmt.Errorf("%w: removed log %s/%d", ErrInvalidEnvelope, env.Log.TxHash, env.Log.Index)
	}
	return env, nil
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Record is one message delivered by a Source.
type Record struct {
	Topic string
	Key   []byte
	Value []byte
	// Received is the producer timestamp for Kafka and the read time for
	// stdio.
	Received time.Time

	commit func(context.Context) error
}

// NewRecord builds a record whose Commit calls commit. A nil commit is a
// no-op.
func NewRecord(topic string, key, value []byte, received time.Time, commit func(context.Context) error) Record {
	return Record{Topic: topic, Key: key, Value: value, Received: received, commit: commit}
}

// Commit marks the record as processed. It is a no-op for stdio.
func (r Record) Commit(ctx context.Context) error {
	if r.commit == nil {
		return nil
	}
	return r.commit(ctx)
}

type Source interface {
	Records() <-chan Record
	Errors() <-chan error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type SourceConfig struct {
	Driver string

	Brokers  []string
	Group    string
	Topics   []string
	MinBytes int
	MaxBytes int

	Reader       io.Reader
	MaxLineBytes int
}

type PublisherConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration

	Writer io.Writer
}

func OpenSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		return openKafkaSource(ctx, cfg)
	case DriverStdio:
		return openLineSource(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func OpenPublisher(cfg PublisherConfig) (Publisher, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		return openKafkaPublisher(cfg)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &linePublisher{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func driver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitList splits a comma-separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLS() *tls.Config {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	default:
		return nil
	}
}

type kafkaSource struct {
	reader *kafka.Reader

	records chan Record
	errs    chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func openKafkaSource(parent context.Context, cfg SourceConfig) (Source, error) {
	brokers, topics := SplitList(strings.Join(cfg.Brokers, ",")), SplitList(strings.Join(cfg.Topics, ","))
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka source requires at least one broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka source requires a consumer group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka source requires at least one topic", ErrInvalidConfig)
	}
	minBytes, maxBytes := cfg.MinBytes, cfg.MaxBytes
	if minBytes <= 0 {
		minBytes = defaultMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: max bytes must be >= min bytes", ErrInvalidConfig)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if t := kafkaTLS(); t != nil {
		rc.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: t}
	}

	ctx, cancel := context.WithCancel(parent)
	s := &kafkaSource{
		reader:  kafka.NewReader(rc),
		records: make(chan Record, 256),
		errs:    make(chan error, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func (s *kafkaSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.records)
	defer close(s.errs)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case s.errs <- err:
				continue
			case <-ctx.Done():
				return
			}
		}
		rec := Record{
			Topic:    m.Topic,
			Key:      append([]byte(nil), m.Key...),
			Value:    append([]byte(nil), m.Value...),
			Received: m.Time,
			commit: func(ctx context.Context) error {
				return s.reader.CommitMessages(ctx, m)
			},
		}
		select {
		case s.records <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func (s *kafkaSource) Records() <-chan Record { return s.records }
func (s *kafkaSource) Errors() <-chan error   { return s.errs }

func (s *kafkaSource) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.reader.Close()
		<-s.done
	})
	return err
}

type lineSource struct {
	records chan Record
	errs    chan error

	cancel context.CancelFunc
	once   sync.Once
}

func openLineSource(parent context.Context, cfg SourceConfig) Source {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	s := &lineSource{
		records: make(chan Record, 256),
		errs:    make(chan error, 8),
		cancel:  cancel,
	}
	go func() {
		defer close(s.records)
		defer close(s.errs)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 4096), maxLine)
		for sc.Scan() {
			if len(strings.TrimSpace(sc.Text())) == 0 {
				continue
			}
			rec := Record{Value: append([]byte(nil), sc.Bytes()...), Received: time.Now().UTC()}
			select {
			case s.records <- rec:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case s.errs <- err:
			case <-ctx.Done():
			}
		}
	}()
	return s
}

func (s *lineSource) Records() <-chan Record { return s.records }
func (s *lineSource) Errors() <-chan error   { return s.errs }

func (s *lineSource) Close() error {
	s.once.Do(s.cancel)
	return nil
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

func openKafkaPublisher(cfg PublisherConfig) (Publisher, error) {
	brokers := SplitList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher requires at least one broker", ErrInvalidConfig)
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: timeout,
		RequiredAcks: kafka.RequireAll,
	}
	if t := kafkaTLS(); t != nil {
		w.Transport = &kafka.Transport{TLS: t}
	}
	return &kafkaPublisher{writer: w}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaPublisher) Close() error { return p.writer.Close() }

type linePublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *linePublisher) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')
	_, err := p.w.Write(line)
	return err
}

func (p *linePublisher) Close() error { return nil }
