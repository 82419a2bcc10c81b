// Package main implements the eventq command line tracker.
// It reads one JSON object per line from stdin, queues it through a tracker
// and delivers it in the background.
//
// Features:
//   - Durable queues (file, redis or badger storage)
//   - Prometheus metrics exposed on --metrics_addr (default :8080/metrics)
//   - Graceful shutdown: queued objects are drained before exit
//
// Input lines:
//
//	{"event": "level complete", "properties": {"level": 3}}
//	{"$set": {"$name": "Ada"}}
//	{"identify": "ada@example.com"}
//	{"flush": true}
//
// Usage:
//
//	go run ./cmd/eventq --token 0123456789abcdef --endpoint http://localhost:8081 < events.jsonl
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guido-cesarano/eventq/pkg/config"
	"github.com/guido-cesarano/eventq/pkg/events"
	"github.com/guido-cesarano/eventq/pkg/logger"
	"github.com/guido-cesarano/eventq/pkg/tracker"
)

// drainTimeout bounds how long shutdown waits for queues to empty.
const drainTimeout = 30 * time.Second

var errUnknownLine = errors.New("unrecognized input line")

// line is one input object. Exactly one of its fields is expected.
type line struct {
	Event      string        `json:"event"`
	Properties events.Object `json:"properties"`

	Set     events.Object `json:"$set"`
	SetOnce events.Object `json:"$set_once"`
	Add     events.Object `json:"$add"`
	Append  events.Object `json:"$append"`
	Union   events.Object `json:"$union"`
	Unset   []string      `json:"$unset"`
	Delete  bool          `json:"$delete"`

	Identify string        `json:"identify"`
	Alias    string        `json:"alias"`
	Register events.Object `json:"register"`
	Flush    bool          `json:"flush"`
}

// dispatch applies one input line to the tracker.
func dispatch(tr *tracker.Tracker, raw []byte) error {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	p := tr.People()
	switch {
	case l.Event != "":
		return tr.Track(l.Event, l.Properties)
	case l.Set != nil:
		return p.Set(l.Set)
	case l.SetOnce != nil:
		return p.SetOnce(l.SetOnce)
	case l.Add != nil:
		return p.Increment(l.Add)
	case l.Append != nil:
		return p.Append(l.Append)
	case l.Union != nil:
		return p.Union(l.Union)
	case l.Unset != nil:
		return p.Unset(l.Unset...)
	case l.Delete:
		return p.Delete()
	case l.Identify != "":
		return tr.Identify(l.Identify)
	case l.Alias != "":
		return tr.Alias(l.Alias)
	case l.Register != nil:
		return tr.Register(l.Register)
	case l.Flush:
		tr.FlushQueue()
		return nil
	}
	return errUnknownLine
}

// consume dispatches every line of r until EOF or ctx is done.
func consume(ctx context.Context, tr *tracker.Tracker, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	n := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		if err := dispatch(tr, text); err != nil {
			logger.Log.Warn().Err(err).Int("line", n+1).Msg("Skipping input line")
		}
		n++
	}
	return n, scanner.Err()
}

// drain flushes until both queues are empty or ctx is done.
func drain(ctx context.Context, tr *tracker.Tracker) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := 0
		for _, name := range events.Queues {
			n, err := tr.Store().Len(name)
			if err != nil {
				logger.Log.Error().Err(err).Str("queue", name).Msg("Failed to read queue length")
				return
			}
			remaining += n
		}
		if remaining == 0 {
			return
		}

		tr.FlushQueue()
		select {
		case <-ctx.Done():
			logger.Log.Warn().Int("remaining", remaining).Msg("Drain timed out, objects stay queued")
			return
		case <-ticker.C:
		}
	}
}

func main() {
	fs := config.Flags("eventq")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	cfg, err := config.LoadFlags(fs)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	tr, err := tracker.New(cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start tracker")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Setup graceful shutdown handlers
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := consume(ctx, tr, os.Stdin)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Error().Err(err).Msg("Failed to read input")
	}
	logger.Log.Info().Int("lines", n).Msg("Input done, draining queues")

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	drain(drainCtx, tr)
	cancel()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Close(closeCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Shutdown failed")
	}
}
