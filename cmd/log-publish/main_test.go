package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rindexer/rindexer-pg/internal/archive"
	"github.com/rindexer/rindexer-pg/internal/eventsink"
	"github.com/rindexer/rindexer-pg/internal/eventstream"
)

const rawLogs = `[
 {"address":"0x00000000000000000000000000000000000000c0",
  "topics":["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"],
  "data":"0x",
  "blockNumber":"0x10","transactionHash":"0x0000000000000000000000000000000000000000000000000000000000000abc",
  "transactionIndex":"0x0","blockHash":"0x0000000000000000000000000000000000000000000000000000000000000def",
  "logIndex":"0x2","removed":false},
 {"address":"0x00000000000000000000000000000000000000c0",
  "topics":[],"data":"0x",
  "blockNumber":"0x11","transactionHash":"0x0000000000000000000000000000000000000000000000000000000000000abd",
  "transactionIndex":"0x0","blockHash":"0x0000000000000000000000000000000000000000000000000000000000000def",
  "logIndex":"0x0","removed":true}
]`

func TestRunMain_WrapsRawLogs(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain([]string{"--stream-driver", "stdio", "--network", "ethereum"}, strings.NewReader(rawLogs), &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("removed log must be dropped, got %d lines", len(lines))
	}
	env, err := eventstream.ParseEnvelope([]byte(lines[0]))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Network != "ethereum" || env.Log.Index != 2 || env.Log.BlockNumber != 16 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRunMain_ForwardsEnvelopeFiles(t *testing.T) {
	t.Parallel()

	var wrapped bytes.Buffer
	if err := runMain([]string{"--stream-driver", "stdio", "--network", "base"}, strings.NewReader(rawLogs), &wrapped); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	path := filepath.Join(t.TempDir(), "logs.jsonl")
	if err := os.WriteFile(path, append([]byte("\n"), wrapped.Bytes()...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	if err := runMain([]string{"--stream-driver", "stdio", "--file", path}, nil, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if strings.TrimSpace(out.String()) != strings.TrimSpace(wrapped.String()) {
		t.Fatalf("forwarded envelopes differ:\n%s\n%s", out.String(), wrapped.String())
	}
}

func TestRunMain_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		in   string
	}{
		{"empty topic", []string{"--stream-driver", "stdio", "--topic", " "}, "x"},
		{"no input", []string{"--stream-driver", "stdio"}, "\n\n"},
		{"bad envelope", []string{"--stream-driver", "stdio"}, `{"network":"","log":{}}`},
		{"bad log array", []string{"--stream-driver", "stdio", "--network", "n"}, `{"not":"array"}`},
		{"missing file", []string{"--stream-driver", "stdio", "--file", "/nonexistent/logs.jsonl"}, ""},
		{"rejected key with network", []string{"--stream-driver", "stdio", "--rejected-key", "k", "--network", "n"}, ""},
		{"unknown archive driver", []string{"--stream-driver", "stdio", "--rejected-key", "k", "--archive-driver", "gcs"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := runMain(tc.args, strings.NewReader(tc.in), &bytes.Buffer{}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestReadRejected_ReplaysArchivedLogs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := archive.Open(archive.Config{Driver: archive.DriverMemory})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []eventstream.Envelope{
		{Network: "ethereum", Log: types.Log{Topics: []common.Hash{}, BlockNumber: 7, TxHash: common.HexToHash("0x01"), Index: 0}},
		{Network: "ethereum", Log: types.Log{Topics: []common.Hash{}, BlockNumber: 7, TxHash: common.HexToHash("0x01"), Index: 1}},
	}
	rb := eventsink.RejectedBatch{Outcome: eventsink.Outcome{Table: "erc20.transfer", Error: "boom"}}
	for _, env := range want {
		raw, err := eventstream.EncodeEnvelope(env)
		if err != nil {
			t.Fatalf("EncodeEnvelope: %v", err)
		}
		rb.Logs = append(rb.Logs, raw)
	}
	payload, err := json.Marshal(rb)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	key := archive.RejectedBatchKey("demo", "erc20.transfer", [32]byte{1})
	if err := store.Put(ctx, key, payload, archive.Meta{ContentType: "application/json"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := readRejected(ctx, store, []string{key})
	if err != nil {
		t.Fatalf("readRejected: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d envelopes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Network != want[i].Network || got[i].Log.TxHash != want[i].Log.TxHash || got[i].Log.Index != want[i].Log.Index {
			t.Fatalf("envelope %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	if _, err := readRejected(ctx, store, []string{key, "demo/rejected/missing.json"}); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("missing key: got %v want ErrNotFound", err)
	}
}
