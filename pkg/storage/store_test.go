package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/guido-cesarano/eventq/pkg/events"
)

func setupTestStore(t *testing.T) (*Store, *FileBackend) {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir(), "mp")
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	return NewStore(backend), backend
}

func seq(t *testing.T, batch []json.RawMessage) []int {
	t.Helper()
	out := make([]int, 0, len(batch))
	for _, raw := range batch {
		var obj struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", raw, err)
		}
		out = append(out, obj.Seq)
	}
	return out
}

func enqueueN(t *testing.T, s *Store, name string, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		if !s.Enqueue(name, events.Object{"seq": i}) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}
}

func TestDequeuePreservesInsertionOrder(t *testing.T) {
	tests := []struct {
		name     string
		enqueued int
		max      int
		want     int
	}{
		{"fewer than max", 10, 50, 10},
		{"exactly max", 50, 50, 50},
		{"more than max", 55, 50, 50},
		{"zero max", 5, 0, 0},
		{"empty queue", 0, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := setupTestStore(t)
			enqueueN(t, s, "track", 0, tt.enqueued)

			batch, total, err := s.Dequeue("track", tt.max)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if total != tt.enqueued {
				t.Errorf("Expected total %d, got %d", tt.enqueued, total)
			}
			got := seq(t, batch)
			if len(got) != tt.want {
				t.Fatalf("Expected %d objects, got %d", tt.want, len(got))
			}
			for i, v := range got {
				if v != i {
					t.Errorf("Position %d: expected seq %d, got %d", i, i, v)
				}
			}
		})
	}
}

func TestDequeueDoesNotRemove(t *testing.T) {
	s, _ := setupTestStore(t)
	enqueueN(t, s, "track", 0, 3)

	for i := 0; i < 3; i++ {
		batch, total, err := s.Dequeue("track", 50)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if len(batch) != 3 || total != 3 {
			t.Errorf("Attempt %d: expected 3/3, got %d/%d", i, len(batch), total)
		}
	}
}

func TestDropFront(t *testing.T) {
	s, _ := setupTestStore(t)

	// Dropping from a queue that never existed is not an error.
	for i := 0; i < 10; i++ {
		if err := s.DropFront("test", 10000); err != nil {
			t.Fatalf("DropFront on empty queue failed: %v", err)
		}
	}

	enqueueN(t, s, "test", 0, 10)

	steps := []struct {
		drop      int
		remaining []int
	}{
		{5, []int{5, 6, 7, 8, 9}},
		{4, []int{9}},
		{1, []int{}},
		{1, []int{}},
		{100, []int{}},
	}

	for _, step := range steps {
		if err := s.DropFront("test", step.drop); err != nil {
			t.Fatalf("DropFront(%d) failed: %v", step.drop, err)
		}
		batch, total, err := s.Dequeue("test", 1<<30)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		got := seq(t, batch)
		if total != len(step.remaining) || len(got) != len(step.remaining) {
			t.Fatalf("After dropping %d: expected %v, got %v (total %d)", step.drop, step.remaining, got, total)
		}
		for i := range got {
			if got[i] != step.remaining[i] {
				t.Errorf("After dropping %d: expected %v, got %v", step.drop, step.remaining, got)
				break
			}
		}
	}
}

func TestDropFrontIncludesStagedObjects(t *testing.T) {
	s, _ := setupTestStore(t)
	enqueueN(t, s, "track", 0, 2)

	// Nothing was flushed yet, the drop has to see the staged objects.
	if err := s.DropFront("track", 1); err != nil {
		t.Fatalf("DropFront failed: %v", err)
	}
	batch, _, _ := s.Dequeue("track", 10)
	if got := seq(t, batch); len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected [1], got %v", got)
	}
}

// flakyBackend fails every Save of the names in failing.
type flakyBackend struct {
	Backend
	mu      sync.Mutex
	failing map[string]bool
}

var errSaveFailed = errors.New("save failed")

func (b *flakyBackend) setFailing(name string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[name] = fail
}

func (b *flakyBackend) Save(name string, data []byte) error {
	b.mu.Lock()
	fail := b.failing[name]
	b.mu.Unlock()
	if fail {
		return errSaveFailed
	}
	return b.Backend.Save(name, data)
}

func TestDropFrontIgnoresUnrelatedFlushFailure(t *testing.T) {
	_, file := setupTestStore(t)
	backend := &flakyBackend{Backend: file, failing: map[string]bool{}}
	s := NewStore(backend)

	enqueueN(t, s, "track", 0, 5)
	if _, err := s.Len("track"); err != nil {
		t.Fatalf("Len failed: %v", err)
	}

	backend.setFailing("engage", true)
	enqueueN(t, s, "engage", 0, 1)

	batch, _, err := s.Dequeue("track", 2)
	if !errors.Is(err, errSaveFailed) {
		t.Fatalf("Expected the staging failure from Dequeue, got %v", err)
	}
	if got := seq(t, batch); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("Expected [0 1], got %v", got)
	}

	if err := s.DropFront("track", len(batch)); err != nil {
		t.Fatalf("DropFront failed: %v", err)
	}
	batch, total, _ := s.Dequeue("track", 10)
	if got := seq(t, batch); total != 3 || len(got) != 3 || got[0] != 2 {
		t.Errorf("Expected [2 3 4], got %v (total %d)", got, total)
	}

	// The engage object stayed staged and lands once saving works again.
	backend.setFailing("engage", false)
	if n, err := s.Len("engage"); err != nil || n != 1 {
		t.Errorf("Expected 1 engage object, got %d (%v)", n, err)
	}
}

func TestDropFrontReportsOwnSaveFailure(t *testing.T) {
	_, file := setupTestStore(t)
	backend := &flakyBackend{Backend: file, failing: map[string]bool{}}
	s := NewStore(backend)

	enqueueN(t, s, "track", 0, 3)
	if _, err := s.Len("track"); err != nil {
		t.Fatalf("Len failed: %v", err)
	}

	backend.setFailing("track", true)
	if err := s.DropFront("track", 1); !errors.Is(err, errSaveFailed) {
		t.Errorf("Expected errSaveFailed, got %v", err)
	}
}

func TestConcurrentFlushesKeepOrder(t *testing.T) {
	s, _ := setupTestStore(t)
	const total, flushers = 3000, 4

	done := make(chan struct{})
	var wg sync.WaitGroup
	for f := 0; f < flushers; f++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := s.Len("track"); err != nil {
					t.Errorf("Len failed: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		s.Enqueue("track", events.Object{"seq": i})
	}
	close(done)
	wg.Wait()

	batch, n, err := s.Dequeue("track", total)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if n != total {
		t.Fatalf("Expected %d objects, got %d", total, n)
	}
	for i, v := range seq(t, batch) {
		if v != i {
			t.Fatalf("Order broken at %d: got seq %d", i, v)
		}
	}
}

func TestEnqueueRespectsMaximumQueueSize(t *testing.T) {
	s, backend := setupTestStore(t)
	s.SetMaximumQueueSize(10)

	// 128 bytes are estimated per staged object, so the first object is
	// admitted (0 <= 10) and the second one is not.
	if !s.Enqueue("track", events.Object{"seq": 0}) {
		t.Fatal("Expected first object to be admitted")
	}
	sizeBefore := s.EstimatedSize("track")

	for i := 1; i < 5; i++ {
		if s.Enqueue("track", events.Object{"seq": i}) {
			t.Errorf("Expected object %d to be rejected", i)
		}
	}
	if got := s.EstimatedSize("track"); got != sizeBefore {
		t.Errorf("Expected estimated size to stay %d, got %d", sizeBefore, got)
	}

	// After a flush the durable size is what counts, and it stays above the limit.
	if _, total, _ := s.Dequeue("track", 0); total != 1 {
		t.Fatalf("Expected 1 persisted object, got %d", total)
	}
	fileSize, _ := backend.Size("track")
	if s.Enqueue("track", events.Object{"seq": 9}) {
		t.Error("Expected rejection once the file exceeds the limit")
	}
	if after, _ := backend.Size("track"); after != fileSize {
		t.Errorf("Expected file size %d to be unchanged, got %d", fileSize, after)
	}

	s.SetMaximumQueueSize(1 << 30)
	if !s.Enqueue("track", events.Object{"seq": 10}) {
		t.Error("Expected admission after raising the limit")
	}
	if got := s.EstimatedSize("track"); got <= sizeBefore {
		t.Errorf("Expected estimated size to grow past %d, got %d", sizeBefore, got)
	}
}

func TestEstimatedSize(t *testing.T) {
	s, backend := setupTestStore(t)

	if got := s.EstimatedSize("track"); got != 0 {
		t.Errorf("Expected 0 for a missing queue, got %d", got)
	}

	enqueueN(t, s, "track", 0, 3)
	if got := s.EstimatedSize("track"); got != 3*EntrySizeEstimate {
		t.Errorf("Expected %d, got %d", 3*EntrySizeEstimate, got)
	}

	s.Len("track")
	fileSize, err := backend.Size("track")
	if err != nil || fileSize == 0 {
		t.Fatalf("Expected a persisted queue file, size %d err %v", fileSize, err)
	}
	enqueueN(t, s, "track", 3, 1)
	if got := s.EstimatedSize("track"); got != fileSize+EntrySizeEstimate {
		t.Errorf("Expected %d, got %d", fileSize+EntrySizeEstimate, got)
	}
}

func TestFlushWritesAllQueues(t *testing.T) {
	s, backend := setupTestStore(t)
	enqueueN(t, s, "track", 0, 2)
	enqueueN(t, s, "engage", 0, 3)

	// A dequeue of one queue persists the staging buffers of every queue.
	if _, _, err := s.Dequeue("track", 1); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	data, err := os.ReadFile(backend.Path("engage"))
	if err != nil {
		t.Fatalf("Expected engage file to exist: %v", err)
	}
	var queue []json.RawMessage
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatalf("Engage file is not a JSON array: %v", err)
	}
	if len(queue) != 3 {
		t.Errorf("Expected 3 engage objects on disk, got %d", len(queue))
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	backend, _ := NewFileBackend(dir, "mp")
	s := NewStore(backend)
	enqueueN(t, s, "track", 0, 4)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	backend, _ = NewFileBackend(dir, "mp")
	reopened := NewStore(backend)
	batch, total, err := reopened.Dequeue("track", 50)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if total != 4 || len(batch) != 4 {
		t.Errorf("Expected 4 objects after reopen, got %d/%d", len(batch), total)
	}
}

func TestWriteRead(t *testing.T) {
	s, _ := setupTestStore(t)
	obj := events.Object{
		"foo":    "bar",
		"baz":    1234.5678,
		"nested": float64(22),
	}

	if err := s.Write("test2", obj); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := s.Read("test2")
	if len(got) != len(obj) {
		t.Fatalf("Expected %v, got %v", obj, got)
	}
	for k, v := range obj {
		if got[k] != v {
			t.Errorf("Key %s: expected %v, got %v", k, v, got[k])
		}
	}
}

func TestReadMissingBlob(t *testing.T) {
	s, _ := setupTestStore(t)
	if got := s.Read("never-written"); got != nil {
		t.Errorf("Expected nil, got %v", got)
	}
}

func TestCorruption(t *testing.T) {
	s, backend := setupTestStore(t)

	garbage := []byte("{\"i_look_like_json\":\"20,\x01\xfe\x7f\x00\x13")
	if err := os.WriteFile(backend.Path("test3"), garbage, 0o644); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}
	if got := s.Read("test3"); got != nil {
		t.Errorf("Expected nil for corrupt blob, got %v", got)
	}

	// A corrupt queue behaves as empty and is replaced by the next flush.
	if err := os.WriteFile(backend.Path("track"), garbage, 0o644); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}
	batch, total, err := s.Dequeue("track", 50)
	if err != nil || total != 0 || len(batch) != 0 {
		t.Fatalf("Expected empty queue, got %d/%d err %v", len(batch), total, err)
	}
	enqueueN(t, s, "track", 0, 1)
	if n, _ := s.Len("track"); n != 1 {
		t.Errorf("Expected 1 object after recovery, got %d", n)
	}
}

func TestReadNonObjectBlob(t *testing.T) {
	s, backend := setupTestStore(t)
	if err := os.WriteFile(backend.Path("state"), []byte(`[1,2,3]`), 0o644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if got := s.Read("state"); got != nil {
		t.Errorf("Expected nil for array blob, got %v", got)
	}
}

func TestConcurrentEnqueueAndDrain(t *testing.T) {
	s, _ := setupTestStore(t)
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Enqueue("track", events.Object{"producer": p, "seq": i})
			}
		}(p)
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	drain := func() {
		batch, _, err := s.Dequeue("track", 50)
		if err != nil {
			t.Errorf("Dequeue failed: %v", err)
			return
		}
		if err := s.DropFront("track", len(batch)); err != nil {
			t.Errorf("DropFront failed: %v", err)
			return
		}
		drained += len(batch)
	}

loop:
	for {
		select {
		case <-done:
			break loop
		default:
			drain()
		}
	}
	for n, _ := s.Len("track"); n > 0; n, _ = s.Len("track") {
		drain()
	}

	if drained != producers*perProducer {
		t.Errorf("Expected %d drained objects, got %d", producers*perProducer, drained)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Options{Kind: "tape"})
	if err == nil {
		t.Fatal("Expected an error for an unknown backend")
	}
	if want := fmt.Sprintf("%v: %q", ErrUnknownBackend, "tape"); err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
