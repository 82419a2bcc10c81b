// Package main provides a benchmark tool for eventq to measure store throughput.
// It enqueues a large number of dummy events from concurrent producers, then
// drains the queue in delivery-sized batches the way the worker does.
//
// Usage:
//
//	go run ./benchmark --events 100000 --backend badger
package main

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/guido-cesarano/eventq/pkg/encoder"
	"github.com/guido-cesarano/eventq/pkg/events"
	"github.com/guido-cesarano/eventq/pkg/storage"
)

func main() {
	numEvents := pflag.Int("events", 100000, "Number of events to enqueue")
	numProducers := pflag.Int("producers", 10, "Number of concurrent producers")
	backend := pflag.String("backend", storage.KindFile, "Storage backend: file, redis or badger")
	dir := pflag.String("dir", "", "Storage directory (default: a temporary directory)")
	redisAddr := pflag.String("redis", "localhost:6379", "Redis address for the redis backend")
	batchSize := pflag.Int("batch", storage.DefaultBatchSize, "Objects per drained batch")
	pflag.Parse()

	if *dir == "" && *backend != storage.KindRedis {
		tmp, err := os.MkdirTemp("", "eventq-bench-")
		if err != nil {
			fmt.Printf("Error creating temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	b, err := storage.Open(storage.Options{Kind: *backend, Dir: *dir, Prefix: "bench", RedisAddr: *redisAddr})
	if err != nil {
		fmt.Printf("Error opening storage: %v\n", err)
		os.Exit(1)
	}
	store := storage.NewStore(b)
	store.SetMaximumQueueSize(math.MaxInt64)
	defer store.Close()

	fmt.Printf("eventq Benchmark\n")
	fmt.Printf("================\n")
	fmt.Printf("Backend: %s\n", *backend)
	fmt.Printf("Events to enqueue: %d\n", *numEvents)
	fmt.Printf("Concurrent producers: %d\n\n", *numProducers)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	eventsPerProducer := *numEvents / *numProducers

	for i := 0; i < *numProducers; i++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for j := 0; j < eventsPerProducer; j++ {
				obj := events.Object{
					"event": "benchmark",
					"properties": events.Object{
						"$insert_id": uuid.NewString(),
						"producer":   producer,
						"seq":        j,
						"time":       time.Now().Unix(),
					},
				}
				if !store.Enqueue(events.QueueTrack, obj) {
					fmt.Printf("Enqueue rejected\n")
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d events in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f events/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	// Drain phase: dequeue, encode and drop one batch at a time.
	fmt.Printf("Draining in batches of %d...\n", *batchSize)
	startDrain := time.Now()

	drained := 0
	payloadBytes := 0
	for {
		batch, total, err := store.Dequeue(events.QueueTrack, *batchSize)
		if err != nil {
			fmt.Printf("Error dequeuing: %v\n", err)
			os.Exit(1)
		}
		if len(batch) == 0 {
			break
		}
		payload, err := encoder.Encode(batch)
		if err != nil {
			fmt.Printf("Error encoding: %v\n", err)
			os.Exit(1)
		}
		payloadBytes += len(payload)
		if err := store.DropFront(events.QueueTrack, len(batch)); err != nil {
			fmt.Printf("Error dropping: %v\n", err)
			os.Exit(1)
		}
		drained += len(batch)

		if drained%(*batchSize*200) == 0 {
			fmt.Printf("  Remaining: %d events\n", total-len(batch))
		}
	}

	drainTime := time.Since(startDrain)

	fmt.Printf("\n✓ Drained %d events in %s\n", drained, drainTime)
	fmt.Printf("  Throughput: %.2f events/sec\n", float64(drained)/drainTime.Seconds())
	fmt.Printf("  Encoded payload: %d bytes\n", payloadBytes)

	totalTime := enqueueTime + drainTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f events/sec\n", float64(drained)/totalTime.Seconds())
}
