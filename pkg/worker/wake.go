package worker

import (
	"strings"
	"time"
)

// Wake is a set of reasons the send loop was woken.
type Wake uint8

const (
	// WakeTimer: the flush interval (or the manual-mode poll) elapsed.
	WakeTimer Wake = 1 << iota
	// WakeData: new objects were enqueued.
	WakeData
	// WakeFlush: FlushQueue was called.
	WakeFlush
	// WakeReachability: the caller reported a network change.
	WakeReachability
	// WakeInterval: the flush interval was changed.
	WakeInterval
	// WakeShutdown: Stop was called.
	WakeShutdown
)

var wakeNames = []struct {
	w    Wake
	name string
}{
	{WakeTimer, "timer"},
	{WakeData, "data"},
	{WakeFlush, "flush"},
	{WakeReachability, "reachability"},
	{WakeInterval, "interval"},
	{WakeShutdown, "shutdown"},
}

func (w Wake) Has(r Wake) bool {
	return w&r != 0
}

func (w Wake) String() string {
	if w == 0 {
		return "none"
	}
	var parts []string
	for _, n := range wakeNames {
		if w.Has(n.w) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// interrupts reports whether pending reasons end a wait before its timeout.
// Data alone never does: it is picked up by the next timer or flush.
func (w Wake) interrupts() bool {
	return w.Has(WakeShutdown | WakeFlush | WakeReachability | WakeInterval)
}

// shouldSend decides whether a wake leads to a delivery attempt.
// With a zero flush interval only explicit flushes send.
func shouldSend(w Wake, interval time.Duration) bool {
	if w.Has(WakeShutdown) {
		return false
	}
	if interval == 0 {
		return w.Has(WakeFlush)
	}
	return true
}

// waitTimeout is how long the loop sleeps when nothing interrupts it.
func waitTimeout(interval time.Duration) time.Duration {
	if interval == 0 {
		return ManualPollInterval
	}
	return interval
}
