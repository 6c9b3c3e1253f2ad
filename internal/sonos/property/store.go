// Package property implements a reference-counted, reactive property
// store sitting above internal/sonos/broker (§4.K). Consumers ask to
// watch a typed property on a device; the store lazily registers the
// broker subscription(s) that property needs, keeps the latest decoded
// value, and tears the registration back down once nobody is watching it
// anymore.
package property

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/broker"
)

// listener is a type-erased callback a Watch[T] registers against the
// store's per-device fan-out. Closing over the caller's typed channel and
// extractor here is what lets Store avoid being generic itself while
// Watch/PropertyWatcher stay strongly typed (§4.K).
type listener func(DeviceState)

// pairRef tracks how many live watchers currently need a given
// SpeakerServicePair subscribed, plus the registration id the broker
// handed back for it.
type pairRef struct {
	count int
	regID broker.RegistrationId
}

// Store decodes the broker's event stream into a per-device DeviceState
// and fans it out to watchers (§4.K). A single background goroutine
// drains the broker's EventIterator; all mutation of shared state happens
// on that goroutine or under mu, never both at once without the lock.
type Store struct {
	b      *broker.Broker
	logger zerolog.Logger

	// releaseWindow is how long a SpeakerServicePair's broker registration
	// is kept alive after its last watcher releases, so a watcher that
	// re-subscribes moments later (a typical UI re-render) doesn't pay the
	// cost of a fresh GENA subscribe/un-subscribe round trip.
	releaseWindow time.Duration

	mu        sync.Mutex
	state     map[string]DeviceState              // deviceIP -> latest merged state
	listeners map[string][]*listenerHandle        // deviceIP -> registered fan-out targets
	refs      map[broker.SpeakerServicePair]*pairRef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// defaultReleaseWindow is short enough that dropping every watcher on a
// (device, service) still yields the broker's unsubscribe well within the
// one-second bound §8's refcount-release scenario expects, while still
// absorbing a watcher that re-acquires within the same tick (a typical UI
// re-render) without paying for a fresh GENA subscribe/unsubscribe round
// trip.
const defaultReleaseWindow = 200 * time.Millisecond

// NewStore constructs a Store and starts its decoder goroutine. Call
// Close to stop it and release every outstanding registration.
func NewStore(b *broker.Broker, logger zerolog.Logger) *Store {
	return NewStoreWithReleaseWindow(b, logger, defaultReleaseWindow)
}

// NewStoreWithReleaseWindow is NewStore with an explicit grace period
// before a zero-refcount registration is actually released.
func NewStoreWithReleaseWindow(b *broker.Broker, logger zerolog.Logger, releaseWindow time.Duration) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		b:             b,
		logger:        logger.With().Str("component", "property_store").Logger(),
		releaseWindow: releaseWindow,
		state:         make(map[string]DeviceState),
		listeners:     make(map[string][]*listenerHandle),
		refs:          make(map[broker.SpeakerServicePair]*pairRef),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Close stops the decoder goroutine. It does not unregister outstanding
// broker subscriptions — callers are expected to Release every
// PropertyWatcher they hold before closing the store.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Store) run() {
	defer s.wg.Done()
	it := s.b.Events(broker.EventFilter{})
	for {
		ev, ok := it.Next(s.ctx)
		if !ok {
			return
		}
		s.applyEvent(ev)
	}
}

func (s *Store) applyEvent(ev EventRecord) DeviceState {
	s.mu.Lock()
	current := s.state[ev.DeviceIP]
	merged := mergeEvent(current, ev)
	s.state[ev.DeviceIP] = merged
	targets := make([]listener, 0, len(s.listeners[ev.DeviceIP]))
	for _, h := range s.listeners[ev.DeviceIP] {
		targets = append(targets, h.fn)
	}
	s.mu.Unlock()

	for _, l := range targets {
		l(merged)
	}
	return merged
}

// seed merges a directly-fetched payload into deviceIP's state and fans
// it out to any listeners already watching, exactly as a push/poll event
// would (§4.K: "fetch<P> bypasses the cache and invokes the corresponding
// SOAP operation, then update_property to seed the store").
func (s *Store) seed(deviceIP string, payload broker.EventPayload) DeviceState {
	return s.applyEvent(EventRecord{DeviceIP: deviceIP, Payload: payload, Timestamp: time.Now()})
}

// Get returns the last known state for deviceIP without registering
// anything (§4.K: "get[P]" — a non-subscribing point read of whatever has
// already been observed). ok is false if nothing has ever been observed
// for this device.
func (s *Store) Get(deviceIP string) (DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.state[deviceIP]
	return ds, ok
}

// acquire increments the refcount for pair, registering it with the
// broker the first time it's needed (0 -> 1).
func (s *Store) acquire(ctx context.Context, pair broker.SpeakerServicePair) error {
	s.mu.Lock()
	ref, exists := s.refs[pair]
	if exists {
		ref.count++
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	result, err := s.b.Register(ctx, pair)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, exists = s.refs[pair]; exists {
		// Lost a race with a concurrent acquire; keep the earlier
		// registration id and just bump the count.
		ref.count++
		return nil
	}
	s.refs[pair] = &pairRef{count: 1, regID: result.RegistrationId}
	return nil
}

// release decrements pair's refcount, scheduling a delayed broker
// Unregister once it reaches zero (§4.K: "bounded-window subscription
// release at refcount zero").
func (s *Store) release(pair broker.SpeakerServicePair) {
	s.mu.Lock()
	ref, ok := s.refs[pair]
	if !ok {
		s.mu.Unlock()
		return
	}
	ref.count--
	zero := ref.count <= 0
	s.mu.Unlock()

	if !zero {
		return
	}

	time.AfterFunc(s.releaseWindow, func() {
		s.mu.Lock()
		ref, ok := s.refs[pair]
		if !ok || ref.count > 0 {
			s.mu.Unlock()
			return
		}
		delete(s.refs, pair)
		regID := ref.regID
		s.mu.Unlock()

		if err := s.b.Unregister(context.Background(), regID); err != nil {
			s.logger.Debug().Err(err).Str("device_ip", pair.DeviceIP).Msg("release unregister failed")
		}
	})
}

// listenerHandle identifies one registered listener so it can be removed
// by pointer identity when its watcher is released.
type listenerHandle struct {
	fn listener
}

func (s *Store) addListener(deviceIP string, l listener) *listenerHandle {
	h := &listenerHandle{fn: l}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[deviceIP] = append(s.listeners[deviceIP], h)
	return h
}

func (s *Store) removeListener(deviceIP string, h *listenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.listeners[deviceIP]
	for i, entry := range existing {
		if entry == h {
			s.listeners[deviceIP] = append(existing[:i], existing[i+1:]...)
			return
		}
	}
}

// EventRecord is the subset of broker.EnrichedEvent the property store
// cares about, named locally so this package never needs to import
// broker's full event type into its public decode signatures.
type EventRecord = broker.EnrichedEvent
