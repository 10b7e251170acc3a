package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rindexer/rindexer-pg/internal/archive"
	"github.com/rindexer/rindexer-pg/internal/eventsink"
	"github.com/rindexer/rindexer-pg/internal/eventstream"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain publishes log envelopes. Input is either line-delimited envelopes,
// a JSON array of logs as returned by eth_getLogs with --network, or the logs
// of rejected batches read back from the archive.
func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var files, rejected stringListFlag
	fs := flag.NewFlagSet("log-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	streamDriver := fs.String("stream-driver", eventstream.DriverKafka, "stream driver: kafka|stdio")
	streamBrokers := fs.String("stream-brokers", "", "comma-separated kafka brokers (required for kafka)")
	topic := fs.String("topic", "rindexer.logs.v1", "topic to publish to")
	network := fs.String("network", "", "wrap an eth_getLogs JSON array into envelopes for this network")
	fs.Var(&files, "file", "input file path (repeatable); stdin when absent")
	fs.Var(&rejected, "rejected-key", "archive key of a rejected batch to publish again (repeatable)")
	archiveDriver := fs.String("archive-driver", archive.DriverS3, "archive holding rejected batches: s3|memory")
	archiveBucket := fs.String("archive-bucket", "", "s3 bucket for --archive-driver=s3")
	archivePrefix := fs.String("archive-prefix", "", "key prefix inside the archive")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	ctx := context.Background()
	var (
		envs []eventstream.Envelope
		err  error
	)
	if len(rejected) > 0 {
		if len(files) > 0 || *network != "" {
			return errors.New("--rejected-key cannot be combined with --file or --network")
		}
		store, oerr := openArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
		if oerr != nil {
			return oerr
		}
		envs, err = readRejected(ctx, store, rejected)
	} else {
		envs, err = readEnvelopes(files, stdin, *network)
	}
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		return errors.New("no logs to publish")
	}

	pub, err := eventstream.OpenPublisher(eventstream.PublisherConfig{
		Driver:  *streamDriver,
		Brokers: eventstream.SplitList(*streamBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	for _, env := range envs {
		payload, err := eventstream.EncodeEnvelope(env)
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, *topic, envelopeKey(env), payload); err != nil {
			return err
		}
	}
	return nil
}

// envelopeKey keeps the logs of one transaction on one partition.
func envelopeKey(env eventstream.Envelope) []byte {
	return []byte(env.Network + "/" + env.Log.TxHash.Hex())
}

func openArchive(ctx context.Context, driver, bucket, prefix string) (archive.Store, error) {
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

// readRejected loads archived rejected batches and returns their envelopes
// in archive order.
func readRejected(ctx context.Context, store archive.Store, keys []string) ([]eventstream.Envelope, error) {
	var out []eventstream.Envelope
	for _, key := range keys {
		obj, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var rb eventsink.RejectedBatch
		if err := json.Unmarshal(obj.Data, &rb); err != nil {
			return nil, fmt.Errorf("decode rejected batch %s: %w", key, err)
		}
		for i, raw := range rb.Logs {
			env, err := eventstream.ParseEnvelope(raw)
			if err != nil {
				return nil, fmt.Errorf("rejected batch %s log %d: %w", key, i, err)
			}
			out = append(out, env)
		}
	}
	return out, nil
}

// readEnvelopes reads files, or stdin when there are none. With network set
// each input is an eth_getLogs array, otherwise line-delimited envelopes.
func readEnvelopes(files []string, stdin io.Reader, network string) ([]eventstream.Envelope, error) {
	inputs, err := readInputs(files, stdin)
	if err != nil {
		return nil, err
	}
	var out []eventstream.Envelope
	for _, in := range inputs {
		var parsed []eventstream.Envelope
		if network != "" {
			parsed, err = wrapLogs(network, in)
		} else {
			parsed, err = parseEnvelopes(in)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, parsed...)
	}
	return out, nil
}

func readInputs(files []string, stdin io.Reader) ([][]byte, error) {
	out := make([][]byte, 0, len(files))
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read input file %q: %w", p, err)
		}
		out = append(out, b)
	}
	if len(out) > 0 {
		return out, nil
	}
	if stdin == nil {
		return nil, errors.New("input is required via --file or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return [][]byte{b}, nil
}

func parseEnvelopes(in []byte) ([]eventstream.Envelope, error) {
	var out []eventstream.Envelope
	sc := bufio.NewScanner(bytes.NewReader(in))
	sc.Buffer(make([]byte, 4096), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		env, err := eventstream.ParseEnvelope(sc.Bytes())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, env)
	}
	return out, sc.Err()
}

func wrapLogs(network string, in []byte) ([]eventstream.Envelope, error) {
	var logs []types.Log
	if err := json.Unmarshal(in, &logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	out := make([]eventstream.Envelope, 0, len(logs))
	for i, l := range logs {
		if l.Removed {
			continue
		}
		env := eventstream.Envelope{Network: network, Log: l}
		b, err := eventstream.EncodeEnvelope(env)
		if err != nil {
			return nil, err
		}
		if _, err := eventstream.ParseEnvelope(b); err != nil {
			return nil, fmt.Errorf("log %d: %w", i, err)
		}
		out = append(out, env)
	}
	return out, nil
}
