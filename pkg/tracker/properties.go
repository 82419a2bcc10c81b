package tracker

import (
	"strings"

	"github.com/guido-cesarano/eventq/pkg/events"
)

// Register sets super properties, which are added to every tracked event
// and every $set / $set_once that does not already carry them.
// Empty keys are ignored; nil values are rejected.
func (t *Tracker) Register(props events.Object) error {
	for _, v := range props {
		if v == nil {
			return ErrInvalidValue
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, v := range props {
		if k != "" {
			t.superProps[k] = v
		}
	}
	return t.store.Write(blobSuperProperties, t.superProps)
}

// RegisterOnce sets only the super properties that are not set yet and
// reports whether any was.
func (t *Tracker) RegisterOnce(props events.Object) (bool, error) {
	for _, v := range props {
		if v == nil {
			return false, ErrInvalidValue
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	added := false
	for k, v := range props {
		if k == "" {
			continue
		}
		if _, ok := t.superProps[k]; ok {
			continue
		}
		t.superProps[k] = v
		added = true
	}
	if !added {
		return false, nil
	}
	return true, t.store.Write(blobSuperProperties, t.superProps)
}

// Unregister removes super properties and reports whether any existed.
func (t *Tracker) Unregister(names ...string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	for _, name := range names {
		if _, ok := t.superProps[name]; ok {
			delete(t.superProps, name)
			removed = true
		}
	}
	if !removed {
		return false, nil
	}
	return true, t.store.Write(blobSuperProperties, t.superProps)
}

// SuperProperties returns a copy of the current super properties.
func (t *Tracker) SuperProperties() events.Object {
	t.mu.Lock()
	defer t.mu.Unlock()

	return events.Clone(t.superProps)
}

// ClearSuperProperties removes every super property except the reserved
// ones whose names start with "$".
func (t *Tracker) ClearSuperProperties() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.superProps {
		if !strings.HasPrefix(k, "$") {
			delete(t.superProps, k)
		}
	}
	return t.store.Write(blobSuperProperties, t.superProps)
}

// StartTimedEvent records now as the start of event. The next Track of event
// carries $duration in seconds. It reports whether the timer was not running.
func (t *Tracker) StartTimedEvent(event string) (bool, error) {
	if event == "" {
		return false, ErrEmptyEventName
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.startTimedEventLocked(event)
}

func (t *Tracker) startTimedEventLocked(event string) (bool, error) {
	start, _ := t.timedEvents[event].(float64)
	t.timedEvents[event] = t.seconds()
	return start == 0, t.store.Write(blobTimedEvents, t.timedEvents)
}

// StartTimedEventOnce starts the timer of event unless it is running.
func (t *Tracker) StartTimedEventOnce(event string) (bool, error) {
	if event == "" {
		return false, ErrEmptyEventName
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if start, _ := t.timedEvents[event].(float64); start != 0 {
		return false, nil
	}
	return t.startTimedEventLocked(event)
}

// ClearTimedEvent stops the timer of event and reports whether it was running.
func (t *Tracker) ClearTimedEvent(event string) (bool, error) {
	if event == "" {
		return false, ErrEmptyEventName
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.timedEvents[event]; !ok {
		return false, nil
	}
	delete(t.timedEvents, event)
	return true, t.store.Write(blobTimedEvents, t.timedEvents)
}

func (t *Tracker) ClearTimedEvents() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timedEvents = events.Object{}
	return t.store.Write(blobTimedEvents, t.timedEvents)
}
