package tracker

import (
	"fmt"
	"reflect"

	"github.com/guido-cesarano/eventq/pkg/events"
)

// People queues profile operations on the engage queue.
type People struct {
	t *Tracker
}

// Set sets profile properties, overwriting existing values.
func (p *People) Set(props events.Object) error {
	if props == nil {
		return fmt.Errorf("%w: properties must be an object", ErrInvalidValue)
	}
	return p.t.engage(events.OpSet, props)
}

// SetOnce sets profile properties that are not set yet.
func (p *People) SetOnce(props events.Object) error {
	if props == nil {
		return fmt.Errorf("%w: properties must be an object", ErrInvalidValue)
	}
	return p.t.engage(events.OpSetOnce, props)
}

// Unset removes profile properties.
func (p *People) Unset(names ...string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no properties to unset", ErrInvalidValue)
	}
	return p.t.engage(events.OpUnset, names)
}

// Increment adds numeric amounts to profile properties.
func (p *People) Increment(by events.Object) error {
	if by == nil {
		return fmt.Errorf("%w: properties must be an object", ErrInvalidValue)
	}
	for k, v := range by {
		if !isNumber(v) {
			return fmt.Errorf("%w: increment of %q by %T is not numeric", ErrInvalidValue, k, v)
		}
	}
	return p.t.engage(events.OpAdd, by)
}

// Append appends values to list properties.
func (p *People) Append(props events.Object) error {
	if props == nil {
		return fmt.Errorf("%w: properties must be an object", ErrInvalidValue)
	}
	return p.t.engage(events.OpAppend, props)
}

// Union merges values into list properties. Every value must be a slice.
func (p *People) Union(lists events.Object) error {
	if lists == nil {
		return fmt.Errorf("%w: properties must be an object", ErrInvalidValue)
	}
	for k, v := range lists {
		if !isList(v) {
			return fmt.Errorf("%w: union of %q needs a list, got %T", ErrInvalidValue, k, v)
		}
	}
	return p.t.engage(events.OpUnion, lists)
}

// Delete removes the whole profile.
func (p *People) Delete() error {
	return p.t.engage(events.OpDelete, "")
}

// TrackCharge appends a transaction of amount to the profile's $transactions.
func (p *People) TrackCharge(amount float64, props events.Object) error {
	tx := events.Object{
		"$amount": amount,
		"$time":   p.t.now().UTC().Format("2006-01-02T15:04:05"),
	}
	events.Merge(tx, props, false)
	return p.t.engage(events.OpAppend, events.Object{"$transactions": tx})
}

// ClearCharges empties the profile's $transactions.
func (p *People) ClearCharges() error {
	return p.Set(events.Object{"$transactions": []any{}})
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
