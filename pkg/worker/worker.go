// Package worker runs the single background goroutine that delivers queued
// objects to the collection endpoint.
//
// Each cycle the worker waits for a timer or a signal, checks the network
// gate (reachability and backoff), then sends at most one batch per queue.
// A batch that produced a parseable reply is always dropped, whatever the
// reply says; only transport failures and unparseable replies keep it queued.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/guido-cesarano/eventq/pkg/backoff"
	"github.com/guido-cesarano/eventq/pkg/delivery"
	"github.com/guido-cesarano/eventq/pkg/encoder"
	"github.com/guido-cesarano/eventq/pkg/events"
	"github.com/guido-cesarano/eventq/pkg/logger"
	"github.com/guido-cesarano/eventq/pkg/metrics"
	"github.com/guido-cesarano/eventq/pkg/storage"
)

const (
	DefaultFlushInterval = 60 * time.Second

	// ManualPollInterval is the wait timeout when the flush interval is 0.
	ManualPollInterval = 10 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("worker: only one worker at a time is supported")
	ErrStopped        = errors.New("worker: stopped")
)

// live guards the one-worker-per-process rule.
var live atomic.Bool

// deliveryFailed is set whenever any delivery attempt fails. Tests read it;
// nothing in the worker branches on it.
var deliveryFailed atomic.Bool

// DeliveryFailed reports whether any delivery attempt failed since the last reset.
func DeliveryFailed() bool {
	return deliveryFailed.Load()
}

func ResetDeliveryFailed() {
	deliveryFailed.Store(false)
}

// State of the send loop.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateTerminating:
		return "terminating"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config configures a Worker. Zero values fall back to the defaults.
type Config struct {
	// Endpoint is the base URL; batches go to "{Endpoint}/{queue}/".
	Endpoint string

	// FlushInterval between delivery attempts. 0 means manual flush only.
	FlushInterval time.Duration

	BatchSize int

	// IP asks the endpoint to geolocate track events by the request address.
	IP bool

	Reachability events.Reachability

	// Clock drives the wait timer. Defaults to the wall clock.
	Clock clock.Clock

	// Backoff defaults to a controller on Clock.
	Backoff *backoff.Controller
}

// Result is the outcome of one batch delivery.
type Result struct {
	OK    bool
	Error string
	Sent  int
}

// Worker owns the send loop.
type Worker struct {
	store    *storage.Store
	poster   delivery.Poster
	backoff  *backoff.Controller
	clock    clock.Clock
	endpoint string
	batch    int
	ip       bool
	queues   []string

	flushInterval atomic.Int64
	reachability  atomic.Int32
	state         atomic.Int32

	mu      sync.Mutex
	pending Wake
	wake    chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// New creates the worker and starts its goroutine. It fails with
// ErrAlreadyRunning while another worker in the process has not stopped.
func New(store *storage.Store, poster delivery.Poster, cfg Config) (*Worker, error) {
	if !live.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	w := newWorker(store, poster, cfg)
	logger.Log.Info().
		Str("endpoint", w.endpoint).
		Dur("flush_interval", w.FlushInterval()).
		Msg("Starting worker")

	go w.run()

	// do one iteration as soon as the first timer fires
	w.signal(WakeData)
	return w, nil
}

// newWorker builds a worker without starting it or claiming the process slot.
func newWorker(store *storage.Store, poster delivery.Poster, cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.New(backoff.WithClock(cfg.Clock))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = storage.DefaultBatchSize
	}

	w := &Worker{
		store:    store,
		poster:   poster,
		backoff:  cfg.Backoff,
		clock:    cfg.Clock,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		batch:    cfg.BatchSize,
		ip:       cfg.IP,
		queues:   events.Queues,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.flushInterval.Store(int64(max(cfg.FlushInterval, 0)))
	w.reachability.Store(int32(cfg.Reachability))
	return w
}

func (w *Worker) Store() *storage.Store {
	return w.store
}

func (w *Worker) Backoff() *backoff.Controller {
	return w.backoff
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Enqueue stores obj on queue name and records the new data.
// A full queue drops obj with a warning.
func (w *Worker) Enqueue(name string, obj events.Object) bool {
	logger.Log.Trace().Str("queue", name).Interface("object", obj).Msg("Enqueueing")

	ok := w.store.Enqueue(name, obj)
	if !ok {
		logger.Log.Warn().Str("queue", name).Msg("Object not queued: queue full")
	}
	w.Notify()
	return ok
}

// Notify records that new data is pending.
func (w *Worker) Notify() {
	w.signal(WakeData)
}

// FlushQueue requests an immediate delivery attempt.
func (w *Worker) FlushQueue() {
	w.signal(WakeFlush)
}

// SetFlushInterval changes the interval and restarts the current wait.
func (w *Worker) SetFlushInterval(d time.Duration) {
	w.flushInterval.Store(int64(max(d, 0)))
	w.signal(WakeInterval)
}

func (w *Worker) FlushInterval() time.Duration {
	return time.Duration(w.flushInterval.Load())
}

// SetReachability updates the network gate and wakes the loop.
func (w *Worker) SetReachability(r events.Reachability) {
	w.reachability.Store(int32(r))
	w.signal(WakeReachability)
}

func (w *Worker) Reachability() events.Reachability {
	return events.Reachability(w.reachability.Load())
}

// ClearSendQueues drops everything queued for delivery.
func (w *Worker) ClearSendQueues() error {
	var err error
	for _, name := range w.queues {
		err = multierr.Append(err, w.store.DropFront(name, math.MaxInt))
	}
	return err
}

// Stop asks the loop to exit and waits until it has, or until ctx is done.
// An in-flight request is not interrupted; it is bounded by the client timeout.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		logger.Log.Info().Msg("Shutting down worker")
		w.state.Store(int32(StateTerminating))
		w.signal(WakeShutdown)
	})

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) signal(r Wake) {
	w.mu.Lock()
	w.pending |= r
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// take returns and clears the pending reasons.
func (w *Worker) take(extra Wake) Wake {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := w.pending | extra
	w.pending = 0
	return r
}

// wait blocks until the timer fires or an interrupting reason is pending.
func (w *Worker) wait() Wake {
	timer := w.clock.Timer(waitTimeout(w.FlushInterval()))
	defer timer.Stop()

	for {
		w.mu.Lock()
		interrupted := w.pending.interrupts()
		w.mu.Unlock()
		if interrupted {
			return w.take(0)
		}

		select {
		case <-w.wake:
		case <-timer.C:
			return w.take(WakeTimer)
		}
	}
}

func (w *Worker) run() {
	defer func() {
		w.state.Store(int32(StateTerminating))
		live.Store(false)
		close(w.done)
	}()

	for {
		reasons := w.wait()
		if reasons.Has(WakeShutdown) {
			return
		}
		if !shouldSend(reasons, w.FlushInterval()) {
			continue
		}
		if blocked, why := w.networkBlocked(); blocked {
			logger.Log.Debug().Str("wake", reasons.String()).Str("reason", why).Msg("Network blocked, skipping cycle")
			continue
		}
		w.cycle()
	}
}

// networkBlocked reports whether this cycle must not touch the network.
func (w *Worker) networkBlocked() (bool, string) {
	if w.Reachability() == events.NotReachable {
		return true, "not reachable"
	}
	if left := w.backoff.Remaining(); left > 0 {
		return true, "backing off for " + left.String()
	}
	return false, ""
}

// cycle sends one batch from every queue.
func (w *Worker) cycle() {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateSending)) {
		return
	}
	defer w.state.CompareAndSwap(int32(StateSending), int32(StateIdle))
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().Interface("panic", r).Msg("Recovered from panic in delivery cycle")
			deliveryFailed.Store(true)
		}
	}()

	ctx := context.Background()
	for _, name := range w.queues {
		res := w.sendBatch(ctx, name)
		if !res.OK {
			// Info, not error: requests fail routinely while offline.
			logger.Log.Info().Str("queue", name).Str("error", res.Error).Msg("Error while sending batch")
			deliveryFailed.Store(true)
		}
	}
}

// url returns the delivery URL of queue name.
func (w *Worker) url(name string) string {
	u := w.endpoint + "/" + name + "/?verbose=1"
	if w.ip && name == events.QueueTrack {
		u += "&ip=1"
	}
	return u
}

// sendBatch delivers at most one batch from the front of queue name.
func (w *Worker) sendBatch(ctx context.Context, name string) Result {
	batch, total, err := w.store.Dequeue(name, w.batch)
	if err != nil {
		// Staging could not be flushed; whatever is durable can still go out.
		logger.Log.Warn().Err(err).Str("queue", name).Msg("Failed to persist staged objects")
	}
	if len(batch) == 0 {
		return Result{OK: true}
	}

	payload, err := encoder.Encode(batch)
	if err != nil {
		metrics.Batches.WithLabelValues(name, "encode").Inc()
		return Result{Error: "failed to encode batch: " + err.Error()}
	}

	target := w.url(name)
	logger.Log.Trace().Str("url", target).Int("count", len(batch)).Msg("Sending batch")

	start := time.Now()
	resp, err := w.poster.Post(ctx, target, url.Values{"data": {payload}})
	metrics.DeliveryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Batches.WithLabelValues(name, "transport").Inc()
		return Result{Error: err.Error()}
	}

	// The backoff state follows the HTTP status even if the body is garbage.
	allowedAt := w.backoff.Update(resp.StatusCode, resp.Header)
	metrics.BackoffFailures.Set(float64(w.backoff.FailureCount()))
	if backoff.Failed(resp.StatusCode) {
		logger.Log.Error().
			Str("queue", name).
			Int("status", resp.StatusCode).
			Time("allowed_at", allowedAt).
			Msg("Delivery failed with server error")
	}
	logger.Log.Trace().
		Interface("headers", resp.Header).
		Bytes("body", resp.Body).
		Time("allowed_at", allowedAt).
		Msg("Delivery response")

	reply, err := delivery.ParseReply(resp.Body)
	if err != nil {
		metrics.Batches.WithLabelValues(name, "unparseable").Inc()
		return Result{Error: "failed to parse: " + string(resp.Body)}
	}

	// The whole batch goes, accepted or not: a batch that reached the server
	// is never sent twice.
	if err := w.store.DropFront(name, len(batch)); err != nil {
		logger.Log.Error().Err(err).Str("queue", name).Msg("Failed to drop delivered batch")
	}
	metrics.Dropped.WithLabelValues(name).Add(float64(len(batch)))

	if reply.Status {
		metrics.Batches.WithLabelValues(name, "success").Inc()
		logger.Log.Debug().
			Str("queue", name).
			Int("count", len(batch)).
			Int("bytes", len(payload)).
			Int("queue_length", total).
			Msg("Delivered batch")
	} else {
		metrics.Batches.WithLabelValues(name, "rejected").Inc()
		logger.Log.Warn().Str("queue", name).Str("error", reply.Error).Msg("API rejected some items")
	}

	return Result{OK: reply.Status, Error: reply.Error, Sent: len(batch)}
}
