// Package backoff decides when the worker may talk to the network again.
//
// The Controller keeps two values, a consecutive 5xx counter and the time
// after which requests are allowed, and updates both once per HTTP response:
//  1. Retry-After (integer seconds) is the requested delay, 0 when absent
//  2. a response is a failure iff its status is in [500,599]
//  3. failures increment the counter, anything else resets it
//  4. from the second consecutive failure on, the delay is at least
//     2^(failures-1) * 60s plus up to 30s of jitter, clamped to [60s,600s]
//  5. requests are allowed again at now + delay
package backoff

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// BaseDelay is multiplied by 2^(failures-1).
	BaseDelay = 60 * time.Second

	MinDelay = 60 * time.Second
	MaxDelay = 600 * time.Second

	// MaxJitter is exclusive.
	MaxJitter = 30 * time.Second
)

// Controller is safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	clock     clock.Clock
	jitter    func() time.Duration
	failures  uint
	allowedAt time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, typically with clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithJitter replaces the random jitter source. The returned value should lie in [0, MaxJitter).
func WithJitter(f func() time.Duration) Option {
	return func(ctl *Controller) {
		ctl.jitter = f
	}
}

// New returns a controller that allows requests immediately.
func New(opts ...Option) *Controller {
	c := &Controller{
		clock:  clock.New(),
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.allowedAt = c.clock.Now()
	return c
}

// randomJitter returns whole seconds in [0, MaxJitter).
func randomJitter() time.Duration {
	return time.Duration(rand.Intn(int(MaxJitter/time.Second))) * time.Second
}

// Backoff returns the exponential delay for the given number of consecutive
// failures, or 0 when fewer than two failures occurred.
func Backoff(failures uint, jitter time.Duration) time.Duration {
	if failures <= 1 {
		return 0
	}
	// 2^9 * 60s is already far above MaxDelay; stop shifting before overflow.
	exp := min(failures-1, 10)
	d := time.Duration(1<<exp)*BaseDelay + jitter
	return min(max(d, MinDelay), MaxDelay)
}

// RetryAfter parses a Retry-After header holding integer seconds.
// Absent, non-numeric or negative values yield 0.
func RetryAfter(header http.Header) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Failed reports whether status counts as a server-side failure.
func Failed(status int) bool {
	return status >= 500 && status <= 599
}

// Update records one HTTP response and returns the time from which network
// requests are allowed again.
func (c *Controller) Update(status int, header http.Header) time.Time {
	delay := RetryAfter(header)

	c.mu.Lock()
	defer c.mu.Unlock()

	if Failed(status) {
		c.failures++
	} else {
		c.failures = 0
	}

	if c.failures > 1 {
		delay = max(delay, Backoff(c.failures, c.jitter()))
	}

	c.allowedAt = c.clock.Now().Add(delay)
	return c.allowedAt
}

// Allowed reports whether the backoff window has passed.
func (c *Controller) Allowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.clock.Now().Before(c.allowedAt)
}

// Remaining returns how long requests are still blocked, or 0.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.allowedAt.Sub(c.clock.Now()), 0)
}

func (c *Controller) AllowedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowedAt
}

func (c *Controller) FailureCount() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}
