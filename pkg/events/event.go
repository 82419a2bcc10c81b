// Package events defines the data that flows through the eventq pipeline.
// Events and profile operations are opaque JSON objects routed to one of two
// named queues; the worker delivers each queue to its own endpoint path.
package events

import (
	"fmt"
	"strings"
)

// Object is a single structured event or profile operation.
// Values must be JSON-serializable.
type Object map[string]any

// Queue names. Each queue is delivered to "{endpoint}/{name}/".
const (
	// QueueTrack holds discrete named events.
	QueueTrack = "track"

	// QueueEngage holds profile mutations ($set, $add, ...).
	QueueEngage = "engage"
)

// Queues lists the queues the worker drains on every cycle, in order.
var Queues = []string{QueueTrack, QueueEngage}

// Reachability is the caller-supplied network hint.
type Reachability int32

const (
	NotReachable Reachability = iota
	ReachableViaCellular
	ReachableViaLocalNetwork
)

func (r Reachability) String() string {
	switch r {
	case NotReachable:
		return "not-reachable"
	case ReachableViaCellular:
		return "cellular"
	case ReachableViaLocalNetwork:
		return "local-network"
	}
	return fmt.Sprintf("reachability(%d)", int32(r))
}

// ParseReachability accepts the names produced by String plus a few aliases.
func ParseReachability(s string) (Reachability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "not-reachable", "none", "offline":
		return NotReachable, nil
	case "cellular", "wwan":
		return ReachableViaCellular, nil
	case "local-network", "wifi", "lan":
		return ReachableViaLocalNetwork, nil
	}
	return NotReachable, fmt.Errorf("events: unknown reachability %q", s)
}

// Op is a profile operation sent on the engage queue.
type Op string

const (
	OpSet     Op = "$set"
	OpSetOnce Op = "$set_once"
	OpAdd     Op = "$add"
	OpAppend  Op = "$append"
	OpUnion   Op = "$union"
	OpUnset   Op = "$unset"
	OpDelete  Op = "$delete"
)

// Merge copies src into dst. Existing keys in dst are kept unless overwrite is set.
func Merge(dst, src Object, overwrite bool) {
	for k, v := range src {
		if _, exists := dst[k]; exists && !overwrite {
			continue
		}
		dst[k] = v
	}
}

// Clone returns a shallow copy of o; a nil Object clones to an empty one.
func Clone(o Object) Object {
	c := make(Object, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}
