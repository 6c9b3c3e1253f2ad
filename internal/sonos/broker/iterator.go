package broker

import (
	"context"
	"time"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// EventFilter narrows an EventIterator to a subset of events. Zero value
// matches everything.
type EventFilter struct {
	RegistrationId *RegistrationId
	Service        *soap.Service
	SourceKind     *EventSourceKind
}

func (f EventFilter) matches(ev EnrichedEvent) bool {
	if f.RegistrationId != nil && ev.RegistrationId != *f.RegistrationId {
		return false
	}
	if f.Service != nil && ev.Service != *f.Service {
		return false
	}
	if f.SourceKind != nil && ev.Source.Kind != *f.SourceKind {
		return false
	}
	return true
}

// EventIterator is the single consumer-facing channel described by §5: push
// and poll paths both terminate here, tagged with their EventSource. One
// iterator can be asked to apply a filter; unfiltered delivery is the
// default.
type EventIterator struct {
	ch     <-chan EnrichedEvent
	filter EventFilter
	peeked *EnrichedEvent
}

func newEventIterator(ch <-chan EnrichedEvent, filter EventFilter) *EventIterator {
	return &EventIterator{ch: ch, filter: filter}
}

// Next blocks until the next event matching the filter arrives, ctx is
// canceled, or the broker shuts down (channel close reports ok=false).
func (it *EventIterator) Next(ctx context.Context) (EnrichedEvent, bool) {
	if it.peeked != nil {
		ev := *it.peeked
		it.peeked = nil
		return ev, true
	}
	for {
		select {
		case <-ctx.Done():
			return EnrichedEvent{}, false
		case ev, ok := <-it.ch:
			if !ok {
				return EnrichedEvent{}, false
			}
			if it.filter.matches(ev) {
				return ev, true
			}
		}
	}
}

// TryNext returns immediately: the next matching event if one is already
// buffered, or ok=false if none is available right now.
func (it *EventIterator) TryNext() (EnrichedEvent, bool) {
	if it.peeked != nil {
		ev := *it.peeked
		it.peeked = nil
		return ev, true
	}
	for {
		select {
		case ev, ok := <-it.ch:
			if !ok {
				return EnrichedEvent{}, false
			}
			if it.filter.matches(ev) {
				return ev, true
			}
		default:
			return EnrichedEvent{}, false
		}
	}
}

// NextTimeout blocks for at most timeout waiting for the next matching
// event.
func (it *EventIterator) NextTimeout(timeout time.Duration) (EnrichedEvent, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return it.Next(ctx)
}

// NextBatch drains up to max currently-available matching events without
// blocking once the channel goes dry.
func (it *EventIterator) NextBatch(max int) []EnrichedEvent {
	batch := make([]EnrichedEvent, 0, max)
	for len(batch) < max {
		ev, ok := it.TryNext()
		if !ok {
			break
		}
		batch = append(batch, ev)
	}
	return batch
}

// Peek returns the next matching event without consuming it: a subsequent
// Next/TryNext call returns the same event again first.
func (it *EventIterator) Peek(ctx context.Context) (EnrichedEvent, bool) {
	if it.peeked != nil {
		return *it.peeked, true
	}
	ev, ok := it.Next(ctx)
	if !ok {
		return EnrichedEvent{}, false
	}
	it.peeked = &ev
	return ev, true
}
