// Package storage provides the durable store behind eventq's queues.
// It supports:
//   - Named FIFO queues of JSON objects that survive process restarts
//   - Non-blocking enqueue through an in-memory staging buffer
//   - Double-buffered flushes: staging is swapped out under a short lock and
//     written to the backend outside it, only when a dequeue or drop needs it
//   - Size-based admission control per queue
//   - Named blobs for non-queue state, where corrupt data reads as empty
//
// The Store type is the main entry point; Backend implementations decide
// where the bytes live (files, Redis or BadgerDB).
package storage

import (
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/guido-cesarano/eventq/pkg/events"
	"github.com/guido-cesarano/eventq/pkg/logger"
	"github.com/guido-cesarano/eventq/pkg/metrics"
)

const (
	// DefaultMaximumQueueSize is the admission limit for a single queue.
	DefaultMaximumQueueSize = 5 * 1024 * 1024

	// EntrySizeEstimate is the assumed size of one staged object.
	EntrySizeEstimate = 128

	// DefaultBatchSize is the number of objects returned by one delivery dequeue.
	DefaultBatchSize = 50
)

// Store manages named queues and blobs on top of a Backend.
//
// Locking:
//   - ioMu serializes every backend call across all names
//   - stagingMu guards the staging map only, so Enqueue never waits on I/O
//   - when both are held, ioMu is taken first
type Store struct {
	backend Backend

	ioMu sync.Mutex

	stagingMu sync.Mutex
	staging   map[string][]json.RawMessage

	maxQueueSize atomic.Int64
}

// NewStore creates a store over backend with the default queue size limit.
func NewStore(backend Backend) *Store {
	s := &Store{
		backend: backend,
		staging: make(map[string][]json.RawMessage),
	}
	s.maxQueueSize.Store(DefaultMaximumQueueSize)
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// SetMaximumQueueSize changes the admission limit in bytes for every queue.
func (s *Store) SetMaximumQueueSize(bytes int64) {
	s.maxQueueSize.Store(bytes)
}

func (s *Store) MaximumQueueSize() int64 {
	return s.maxQueueSize.Load()
}

// Enqueue appends obj to the staging buffer of queue name.
// It returns false without enqueuing when the queue's estimated size is already
// above the limit, or when obj cannot be serialized.
func (s *Store) Enqueue(name string, obj events.Object) bool {
	if s.EstimatedSize(name) > s.maxQueueSize.Load() {
		metrics.Rejected.WithLabelValues(name).Inc()
		return false
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		logger.Log.Error().Err(err).Str("queue", name).Msg("Object is not serializable")
		return false
	}

	s.stagingMu.Lock()
	s.staging[name] = append(s.staging[name], raw)
	s.stagingMu.Unlock()

	metrics.Enqueued.WithLabelValues(name).Inc()
	return true
}

// EstimatedSize returns the durable size of queue name plus a fixed estimate
// per staged object. The backend is consulted without the I/O lock; an
// occasional stale size only lets one extra object through.
func (s *Store) EstimatedSize(name string) int64 {
	s.stagingMu.Lock()
	staged := int64(len(s.staging[name]))
	s.stagingMu.Unlock()

	size, err := s.backend.Size(name)
	if err != nil {
		logger.Log.Debug().Err(err).Str("queue", name).Msg("Size lookup failed")
		size = 0
	}
	return size + staged*EntrySizeEstimate
}

// takeStaging swaps the staging map for an empty one and returns the old one.
func (s *Store) takeStaging() map[string][]json.RawMessage {
	s.stagingMu.Lock()
	defer s.stagingMu.Unlock()

	taken := s.staging
	s.staging = make(map[string][]json.RawMessage)
	return taken
}

// persistStaging writes every staged object to its durable queue.
// Objects of a queue whose write fails are put back in front of anything
// staged since, so nothing is lost and order is kept.
func (s *Store) persistStaging() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.persistStagingLocked()
}

// persistStagingLocked is persistStaging for callers holding ioMu. The staging
// map is taken under ioMu so concurrent flushers persist in the order they took.
func (s *Store) persistStagingLocked() error {
	taken := s.takeStaging()
	if len(taken) == 0 {
		return nil
	}

	var firstErr error
	for name, staged := range taken {
		if len(staged) == 0 {
			continue
		}
		queue := s.loadQueue(name)
		queue = append(queue, staged...)
		if err := s.saveQueue(name, queue); err != nil {
			logger.Log.Error().Err(err).Str("queue", name).Int("count", len(staged)).Msg("Failed to persist staged objects")
			s.restage(name, staged)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Store) restage(name string, staged []json.RawMessage) {
	s.stagingMu.Lock()
	defer s.stagingMu.Unlock()

	s.staging[name] = append(staged, s.staging[name]...)
}

// loadQueue reads a durable queue. Missing, corrupt or non-array contents read
// as an empty queue. Caller holds ioMu.
func (s *Store) loadQueue(name string) []json.RawMessage {
	data, err := s.backend.Load(name)
	if err != nil {
		logger.Log.Warn().Err(err).Str("queue", name).Msg("Failed to read queue, treating as empty")
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var queue []json.RawMessage
	if err := json.Unmarshal(data, &queue); err != nil {
		logger.Log.Warn().Err(err).Str("queue", name).Msg("Corrupt queue, treating as empty")
		return nil
	}
	return queue
}

// saveQueue writes a durable queue. Caller holds ioMu.
func (s *Store) saveQueue(name string, queue []json.RawMessage) error {
	if queue == nil {
		queue = []json.RawMessage{}
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	return s.backend.Save(name, data)
}

// Dequeue flushes all staging buffers, then returns up to max objects from the
// front of queue name together with the queue's full length. Nothing is
// removed; call DropFront once the objects are dealt with. A failed flush is
// returned alongside whatever was already durable.
func (s *Store) Dequeue(name string, max int) ([]json.RawMessage, int, error) {
	s.ioMu.Lock()
	flushErr := s.persistStagingLocked()
	queue := s.loadQueue(name)
	s.ioMu.Unlock()

	n := min(max, len(queue))
	if n < 0 {
		n = 0
	}
	batch := make([]json.RawMessage, n)
	copy(batch, queue[:n])

	metrics.QueueLength.WithLabelValues(name).Set(float64(len(queue)))
	return batch, len(queue), flushErr
}

// DropFront flushes all staging buffers, then removes up to count objects from
// the front of queue name. Dropping more than the queue holds empties it.
// A failed flush is logged and does not stop the drop; only a failure to
// rewrite queue name is returned.
func (s *Store) DropFront(name string, count int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.persistStagingLocked(); err != nil {
		logger.Log.Warn().Err(err).Str("queue", name).Msg("Dropping despite failed staging flush")
	}

	queue := s.loadQueue(name)
	n := min(max(count, 0), len(queue))
	remaining := queue[n:]
	if err := s.saveQueue(name, remaining); err != nil {
		return err
	}

	metrics.QueueLength.WithLabelValues(name).Set(float64(len(remaining)))
	return nil
}

// Len flushes all staging buffers and returns the length of queue name.
func (s *Store) Len(name string) (int, error) {
	_, total, err := s.Dequeue(name, 0)
	return total, err
}

// Read returns the blob stored under name. A missing, unreadable or corrupt
// blob, or one that is not a JSON object, reads as nil.
func (s *Store) Read(name string) events.Object {
	s.ioMu.Lock()
	data, err := s.backend.Load(name)
	s.ioMu.Unlock()

	if err != nil {
		logger.Log.Warn().Err(err).Str("blob", name).Msg("Failed to read blob")
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var obj events.Object
	if err := json.Unmarshal(data, &obj); err != nil {
		logger.Log.Warn().Err(err).Str("blob", name).Msg("Corrupt blob, treating as empty")
		return nil
	}
	return obj
}

// Write replaces the blob stored under name.
func (s *Store) Write(name string, obj events.Object) error {
	if obj == nil {
		obj = events.Object{}
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.backend.Save(name, data)
}

// Close closes the backend. Staged objects that were never flushed are written first.
func (s *Store) Close() error {
	if err := s.persistStaging(); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to flush staging on close")
	}
	return s.backend.Close()
}
