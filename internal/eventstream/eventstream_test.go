package eventstream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testLog() types.Log {
	return types.Log{
		Address:     common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		Topics:      []common.Hash{common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")},
		Data:        []byte{0x01},
		BlockNumber: 18_000_000,
		TxHash:      common.HexToHash("0x01"),
		TxIndex:     3,
		BlockHash:   common.HexToHash("0x02"),
		Index:       7,
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := EncodeEnvelope(Envelope{Network: "ethereum", Log: testLog()})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	env, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Network != "ethereum" || env.Log.Index != 7 || env.Log.BlockNumber != 18_000_000 || env.Log.TxHash != common.HexToHash("0x01") {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	t.Parallel()

	removed := testLog()
	removed.Removed = true
	removedJSON, _ := EncodeEnvelope(Envelope{Network: "ethereum", Log: removed})
	noNetwork, _ := EncodeEnvelope(Envelope{Log: testLog()})

	for name, in := range map[string][]byte{
		"not json":   []byte("{"),
		"no network": noNetwork,
		"removed":    removedJSON,
		"no log":     []byte(`{"network":"ethereum"}`),
	} {
		if _, err := ParseEnvelope(in); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: expected ErrInvalidEnvelope, got %v", name, err)
		}
	}
}

func TestLineSource(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src, err := OpenSource(ctx, SourceConfig{Driver: "STDIO", Reader: strings.NewReader("a\n\n  \nb\n")})
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()

	var got []string
	for rec := range src.Records() {
		if err := rec.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		got = append(got, string(rec.Value))
	}
	if strings.Join(got, ",") != "a,b" {
		t.Fatalf("records = %q", got)
	}
}

func TestLineSource_LineTooLong(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src, _ := OpenSource(ctx, SourceConfig{Driver: DriverStdio, Reader: strings.NewReader(strings.Repeat("x", 64) + "\n"), MaxLineBytes: 16})
	defer src.Close()

	for range src.Records() {
		t.Fatalf("no record expected")
	}
	if err := <-src.Errors(); err == nil {
		t.Fatalf("expected a scanner error")
	}
}

func TestLinePublisher(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := OpenPublisher(PublisherConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	_ = p.Publish(context.Background(), "t", nil, []byte(`{"a":1}`))
	_ = p.Publish(context.Background(), "t", []byte("k"), []byte(`{"b":2}`))
	if buf.String() != "{\"a\":1}\n{\"b\":2}\n" {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cases := []SourceConfig{
		{Driver: "nats"},
		{Driver: DriverKafka, Group: "g", Topics: []string{"t"}},
		{Driver: DriverKafka, Brokers: []string{"b:9092"}, Topics: []string{"t"}},
		{Driver: DriverKafka, Brokers: []string{"b:9092"}, Group: "g", Topics: []string{" "}},
		{Driver: DriverKafka, Brokers: []string{"b:9092"}, Group: "g", Topics: []string{"t"}, MinBytes: 10, MaxBytes: 5},
	}
	for i, cfg := range cases {
		if _, err := OpenSource(ctx, cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
	if _, err := OpenPublisher(PublisherConfig{Driver: DriverKafka}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("publisher without brokers: %v", err)
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	if got := SplitList(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitList = %q", got)
	}
	if got := SplitList(""); got != nil {
		t.Fatalf("SplitList(\"\") = %q", got)
	}
}
