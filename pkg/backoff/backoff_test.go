package backoff

import (
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func setupTestController(jitter time.Duration) (*clock.Mock, *Controller) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	c := New(WithClock(mock), WithJitter(func() time.Duration { return jitter }))
	return mock, c
}

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestRetryAfter(t *testing.T) {
	mock, c := setupTestController(0)

	allowedAt := c.Update(http.StatusOK, header("Retry-After", "51"))
	if got := allowedAt.Sub(mock.Now()); got != 51*time.Second {
		t.Errorf("Expected 51s back off, got %s", got)
	}
	if c.FailureCount() != 0 {
		t.Errorf("Expected no failures, got %d", c.FailureCount())
	}
	if c.Allowed() {
		t.Error("Expected requests to be blocked")
	}

	mock.Add(50 * time.Second)
	if c.Allowed() {
		t.Error("Expected requests to still be blocked after 50s")
	}
	mock.Add(time.Second)
	if !c.Allowed() {
		t.Error("Expected requests to be allowed after 51s")
	}
}

func TestBackOffTime(t *testing.T) {
	for _, jitter := range []time.Duration{0, 15 * time.Second, MaxJitter - time.Second} {
		mock, c := setupTestController(jitter)
		failure := http.StatusServiceUnavailable

		// We need 2 consecutive failures to enable exponential back off
		first := c.Update(failure, http.Header{})
		if first.Sub(mock.Now()) != 0 {
			t.Errorf("Expected no back off after one failure, got %s", first.Sub(mock.Now()))
		}

		delay := c.Update(failure, http.Header{}).Sub(mock.Now())
		// Should back off between 120 - 150s
		if delay < 120*time.Second || delay >= 150*time.Second {
			t.Errorf("jitter %s: expected delay in [120s,150s), got %s", jitter, delay)
		}

		// Test a third failure
		delay = c.Update(failure, http.Header{}).Sub(mock.Now())
		// Should back off between 240 - 270s
		if delay < 240*time.Second || delay >= 270*time.Second {
			t.Errorf("jitter %s: expected delay in [240s,270s), got %s", jitter, delay)
		}
		if c.FailureCount() != 3 {
			t.Errorf("Expected 3 failures, got %d", c.FailureCount())
		}
	}
}

func TestBackOffWithRandomJitter(t *testing.T) {
	mock := clock.NewMock()
	for i := 0; i < 50; i++ {
		c := New(WithClock(mock))
		c.Update(http.StatusInternalServerError, nil)
		delay := c.Update(http.StatusBadGateway, nil).Sub(mock.Now())
		if delay < 120*time.Second || delay >= 150*time.Second {
			t.Fatalf("Expected delay in [120s,150s), got %s", delay)
		}
	}
}

func TestFailureRecovery(t *testing.T) {
	mock, c := setupTestController(0)

	// We need 2 consecutive failures to enable exponential back off
	c.Update(http.StatusServiceUnavailable, nil)
	c.Update(http.StatusServiceUnavailable, nil)
	if c.Allowed() {
		t.Fatal("Expected requests to be blocked after two failures")
	}

	// Followed by 1 success to reset the back off
	allowedAt := c.Update(http.StatusOK, nil)
	if !allowedAt.Equal(mock.Now()) {
		t.Errorf("Expected back off to be reset, got %s", allowedAt.Sub(mock.Now()))
	}
	if c.FailureCount() != 0 {
		t.Errorf("Expected failure count 0, got %d", c.FailureCount())
	}
	if !c.Allowed() {
		t.Error("Expected requests to be allowed")
	}
}

func TestRetryAfterWinsWhenLarger(t *testing.T) {
	mock, c := setupTestController(0)

	c.Update(http.StatusServiceUnavailable, nil)
	delay := c.Update(http.StatusServiceUnavailable, header("Retry-After", "500")).Sub(mock.Now())
	if delay != 500*time.Second {
		t.Errorf("Expected Retry-After of 500s to win, got %s", delay)
	}

	delay = c.Update(http.StatusServiceUnavailable, header("Retry-After", "5")).Sub(mock.Now())
	if delay != 240*time.Second {
		t.Errorf("Expected computed back off of 240s to win, got %s", delay)
	}
}

func TestNonServerErrorsDoNotCount(t *testing.T) {
	for _, status := range []int{200, 204, 301, 400, 404, 429, 499, 600} {
		mock, c := setupTestController(0)
		c.Update(http.StatusServiceUnavailable, nil)
		allowedAt := c.Update(status, nil)
		if c.FailureCount() != 0 {
			t.Errorf("status %d: expected failure count reset, got %d", status, c.FailureCount())
		}
		if !allowedAt.Equal(mock.Now()) {
			t.Errorf("status %d: expected no delay", status)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures uint
		jitter   time.Duration
		want     time.Duration
	}{
		{0, 0, 0},
		{1, 29 * time.Second, 0},
		{2, 0, 120 * time.Second},
		{2, 29 * time.Second, 149 * time.Second},
		{3, 0, 240 * time.Second},
		{4, 0, 480 * time.Second},
		{4, 29 * time.Second, 509 * time.Second},
		{5, 0, MaxDelay},
		{64, 0, MaxDelay},
		{^uint(0), 0, MaxDelay},
	}

	for _, tt := range tests {
		if got := Backoff(tt.failures, tt.jitter); got != tt.want {
			t.Errorf("Backoff(%d, %s) = %s, want %s", tt.failures, tt.jitter, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"51", 51 * time.Second},
		{" 3 ", 3 * time.Second},
		{"-5", 0},
		{"soon", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}

	for _, tt := range tests {
		h := http.Header{}
		if tt.value != "" {
			h.Set("Retry-After", tt.value)
		}
		if got := RetryAfter(h); got != tt.want {
			t.Errorf("RetryAfter(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}
