// Package tracker is the caller-facing API of eventq.
//
// A Tracker turns named events and profile operations into queued objects,
// keeps identity, super properties and timed events in durable blobs, and
// owns the background worker that delivers the queues.
//
// Usage:
//
//	t, err := tracker.New(cfg)
//	if err != nil { ... }
//	defer t.Close(ctx)
//
//	t.Track("level complete", events.Object{"level": 3})
//	t.People().Set(events.Object{"$name": "Ada"})
//	t.FlushQueue()
package tracker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/guido-cesarano/eventq/pkg/config"
	"github.com/guido-cesarano/eventq/pkg/delivery"
	"github.com/guido-cesarano/eventq/pkg/events"
	"github.com/guido-cesarano/eventq/pkg/logger"
	"github.com/guido-cesarano/eventq/pkg/storage"
	"github.com/guido-cesarano/eventq/pkg/worker"
)

// Version is reported in the automatic properties.
const Version = "1.0.1"

// MinTokenLength is the shortest project token accepted by New.
const MinTokenLength = 8

// Blob names.
const (
	blobState           = "state"
	blobSuperProperties = "super_properties"
	blobTimedEvents     = "timed_events"
)

var (
	ErrInvalidToken   = errors.New("tracker: token must be at least 8 characters")
	ErrEmptyEventName = errors.New("tracker: event name is empty")
	ErrEmptyID        = errors.New("tracker: id is empty")
	ErrInvalidValue   = errors.New("tracker: invalid value")
	ErrOptedOut       = errors.New("tracker: tracking is opted out")
)

// Option customizes New.
type Option func(*options)

type options struct {
	backend    storage.Backend
	poster     delivery.Poster
	clock      clock.Clock
	distinctID string
}

// WithBackend uses b instead of opening the configured storage backend.
// The tracker takes ownership and closes b on Close.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithPoster replaces the HTTP delivery client.
func WithPoster(p delivery.Poster) Option {
	return func(o *options) { o.poster = p }
}

// WithClock drives timestamps, timed events and the worker from c.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDistinctID sets the distinct id, replacing any stored one.
func WithDistinctID(id string) Option {
	return func(o *options) { o.distinctID = id }
}

// Tracker is safe for concurrent use. Only one may be open per process.
type Tracker struct {
	token  string
	store  *storage.Store
	worker *worker.Worker
	clock  clock.Clock
	people *People

	cronMu sync.Mutex
	cron   *cron.Cron

	mu              sync.Mutex
	state           events.Object
	superProps      events.Object
	timedEvents     events.Object
	automatic       events.Object
	automaticPeople events.Object

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, restores the persisted state and starts delivery.
func New(cfg config.Config, opts ...Option) (*Tracker, error) {
	if len(cfg.Token) < MinTokenLength {
		return nil, ErrInvalidToken
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.poster == nil {
		o.poster = delivery.NewClient(cfg.HTTPTimeout)
	}

	logger.SetLevel(cfg.LogLevel)

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = storage.Open(cfg.StorageOptions())
		if err != nil {
			return nil, err
		}
	}

	store := storage.NewStore(backend)
	if cfg.MaxQueueSize > 0 {
		store.SetMaximumQueueSize(cfg.MaxQueueSize)
	}

	t := &Tracker{
		token:           cfg.Token,
		store:           store,
		clock:           o.clock,
		state:           orEmpty(store.Read(blobState)),
		superProps:      orEmpty(store.Read(blobSuperProperties)),
		timedEvents:     orEmpty(store.Read(blobTimedEvents)),
		automatic:       automaticProperties(),
		automaticPeople: automaticPeopleProperties(),
	}
	t.people = &People{t: t}

	stored, _ := t.state["distinct_id"].(string)
	switch {
	case o.distinctID != "":
		t.state["distinct_id"] = o.distinctID
	case stored == "":
		t.state["distinct_id"] = uuid.NewString()
	}
	if err := store.Write(blobState, t.state); err != nil {
		backend.Close()
		return nil, fmt.Errorf("tracker: persist state: %w", err)
	}

	w, err := worker.New(store, o.poster, worker.Config{
		Endpoint:      cfg.Endpoint,
		FlushInterval: cfg.FlushInterval,
		BatchSize:     cfg.BatchSize,
		IP:            cfg.IP,
		Reachability:  cfg.ReachabilityHint(),
		Clock:         o.clock,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	t.worker = w

	logger.Log.Debug().
		Str("distinct_id", t.DistinctID()).
		Str("storage", cfg.Storage.Backend).
		Str("dir", cfg.Storage.Dir).
		Msg("Tracker started")
	return t, nil
}

func orEmpty(o events.Object) events.Object {
	if o == nil {
		return events.Object{}
	}
	return o
}

func automaticProperties() events.Object {
	return events.Object{
		"$lib_version": Version,
		"mp_lib":       "go",
		"$os":          runtime.GOOS,
		"$arch":        runtime.GOARCH,
	}
}

func automaticPeopleProperties() events.Object {
	return events.Object{
		"$go_lib_version": Version,
	}
}

// Store returns the durable store behind the tracker.
func (t *Tracker) Store() *storage.Store {
	return t.store
}

// People returns the profile API bound to the current distinct id.
func (t *Tracker) People() *People {
	return t.people
}

// usable reports why no new object may be queued, if anything.
func (t *Tracker) usable() error {
	if t.worker.State() == worker.StateTerminating {
		return worker.ErrStopped
	}
	if t.HasOptedOut() {
		return ErrOptedOut
	}
	return nil
}

func (t *Tracker) now() time.Time {
	return t.clock.Now()
}

// seconds returns now as fractional seconds since the epoch.
func (t *Tracker) seconds() float64 {
	return float64(t.now().UnixNano()) / float64(time.Second)
}

// Track queues event with props. Caller props override everything except
// token, distinct_id and time; super and automatic properties only fill gaps.
// A full queue drops the event with a warning and is not reported.
func (t *Tracker) Track(event string, props events.Object) error {
	if event == "" {
		return ErrEmptyEventName
	}
	if err := t.usable(); err != nil {
		return err
	}

	properties := events.Object{}

	t.mu.Lock()
	if start, ok := t.timedEvents[event].(float64); ok && start != 0 {
		properties["$duration"] = t.seconds() - start
	}
	events.Merge(properties, props, true)
	properties["token"] = t.token
	properties["distinct_id"] = t.state["distinct_id"]
	properties["time"] = t.now().Unix()
	events.Merge(properties, t.superProps, false)
	events.Merge(properties, t.automatic, false)
	t.mu.Unlock()

	properties["$wifi"] = t.worker.Reachability() == events.ReachableViaLocalNetwork

	t.worker.Enqueue(events.QueueTrack, events.Object{
		"event":      event,
		"properties": properties,
	})
	return nil
}

// engage queues one profile operation.
func (t *Tracker) engage(op events.Op, values any) error {
	if err := t.usable(); err != nil {
		return err
	}

	t.mu.Lock()
	if op == events.OpSet || op == events.OpSetOnce {
		merged := events.Clone(values.(events.Object))
		events.Merge(merged, t.automaticPeople, false)
		events.Merge(merged, t.superProps, false)
		values = merged
	}
	data := events.Object{
		"$token":       t.token,
		"$distinct_id": t.state["distinct_id"],
		"$time":        t.now().Unix(),
		string(op):     values,
	}
	t.mu.Unlock()

	t.worker.Enqueue(events.QueueEngage, data)
	return nil
}

// DistinctID returns the id every queued object is attributed to.
func (t *Tracker) DistinctID() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, _ := t.state["distinct_id"].(string)
	return id
}

// Identify attributes future objects to id.
func (t *Tracker) Identify(id string) error {
	if id == "" {
		return ErrEmptyID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state["distinct_id"] == id {
		logger.Log.Warn().Str("distinct_id", id).Msg("Id matches current distinct_id")
		return nil
	}
	t.state["distinct_id"] = id
	return t.store.Write(blobState, t.state)
}

// Alias links alias to the current distinct id with a $create_alias event,
// then identifies as alias.
func (t *Tracker) Alias(alias string) error {
	if alias == "" {
		return ErrEmptyID
	}
	if alias == t.DistinctID() {
		logger.Log.Warn().Str("alias", alias).Msg("Alias matches current distinct_id, skipping api call")
		return nil
	}
	if err := t.Track("$create_alias", events.Object{"alias": alias}); err != nil {
		return err
	}
	return t.Identify(alias)
}

// OptOutTracking drops everything queued and rejects further objects until
// OptInTracking. The choice is persisted.
func (t *Tracker) OptOutTracking() error {
	err := t.worker.ClearSendQueues()

	t.mu.Lock()
	t.state["opted_out"] = true
	err = multierr.Append(err, t.store.Write(blobState, t.state))
	t.mu.Unlock()

	return err
}

func (t *Tracker) OptInTracking() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state, "opted_out")
	return t.store.Write(blobState, t.state)
}

func (t *Tracker) HasOptedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	out, _ := t.state["opted_out"].(bool)
	return out
}

// FlushQueue requests an immediate delivery attempt.
func (t *Tracker) FlushQueue() {
	t.worker.FlushQueue()
}

// OnReachabilityChanged updates the network hint and wakes the worker.
func (t *Tracker) OnReachabilityChanged(r events.Reachability) {
	logger.Log.Debug().Stringer("reachability", r).Msg("Reachability changed")
	t.worker.SetReachability(r)
}

func (t *Tracker) SetMaximumQueueSize(bytes int64) {
	t.store.SetMaximumQueueSize(bytes)
}

// SetFlushInterval changes the delivery interval; 0 means manual flush only.
func (t *Tracker) SetFlushInterval(d time.Duration) {
	t.worker.SetFlushInterval(d)
}

func (t *Tracker) ClearSendQueues() error {
	return t.worker.ClearSendQueues()
}

// Reset clears super properties, send queues and timed events.
func (t *Tracker) Reset() error {
	var err error
	err = multierr.Append(err, t.ClearSuperProperties())
	err = multierr.Append(err, t.ClearSendQueues())
	err = multierr.Append(err, t.ClearTimedEvents())
	return err
}

// ScheduleFlush calls FlushQueue on a cron schedule. The leading seconds
// field is optional: "*/30 * * * * *", "*/5 * * * *" and "@every 1m" all parse.
func (t *Tracker) ScheduleFlush(spec string) (cron.EntryID, error) {
	t.cronMu.Lock()
	defer t.cronMu.Unlock()

	if t.cron == nil {
		t.cron = cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)))
		t.cron.Start()
	}
	id, err := t.cron.AddFunc(spec, t.FlushQueue)
	if err != nil {
		return 0, fmt.Errorf("tracker: schedule %q: %w", spec, err)
	}
	return id, nil
}

// Close stops scheduled flushes and the worker, then closes the store.
// Queued objects stay in storage for the next Tracker. If ctx ends before the
// worker exits, the store is closed once it does and ctx.Err() is returned.
func (t *Tracker) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.cronMu.Lock()
		if t.cron != nil {
			<-t.cron.Stop().Done()
		}
		t.cronMu.Unlock()

		if err := t.worker.Stop(ctx); err != nil {
			logger.Log.Warn().Err(err).Msg("Worker still running, deferring store close")
			go func() {
				<-t.worker.Done()
				if err := t.store.Close(); err != nil {
					logger.Log.Error().Err(err).Msg("Failed to close store")
				}
			}()
			t.closeErr = err
			return
		}
		t.closeErr = t.store.Close()
	})
	return t.closeErr
}
