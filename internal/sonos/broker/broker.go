package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/callback"
	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// Broker is the facade wiring the registry, subscription manager, firewall
// detector, event detector, polling scheduler, and event processor into
// the single Register/Unregister/Events surface described by §4.J. It
// owns the callback server and router outright; neither of those packages
// holds a reference back into broker (§9: "avoid cyclic ownership").
type Broker struct {
	cfg Config

	client   *soap.Client
	server   *callback.Server
	router   *callback.Router
	registry *registry
	subMgr   *subscriptionManager
	firewall *firewallDetector
	detector *eventDetector
	polling  *pollingScheduler
	resync   *resyncDetector
	metrics  *Metrics

	results   map[RegistrationId]RegistrationResult
	resultsMu sync.Mutex

	events chan EnrichedEvent

	eventsDelivered      atomic.Uint64
	parseErrors          atomic.Uint64
	sequenceGaps         atomic.Uint64
	subscriptionRenewals atomic.Uint64
	subscriptionFailures atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	notifyWg  sync.WaitGroup
	shutdown  atomic.Bool
	logger    zerolog.Logger
}

// BrokerOption configures optional facilities on a Broker at construction.
type BrokerOption func(*Broker)

// WithMetrics attaches a Prometheus exporter. Omit to run without metrics.
func WithMetrics(m *Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// New constructs a Broker: binds the callback server, wires every
// subcomponent, and starts their background loops. Call Shutdown to tear
// everything down.
func New(cfg Config, client *soap.Client, logger zerolog.Logger, opts ...BrokerOption) (*Broker, error) {
	router := callback.NewRouter(logger)
	server, err := callback.NewServer(router, cfg.CallbackPortRangeStart, cfg.CallbackPortRangeEnd, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Broker{
		cfg:      cfg,
		client:   client,
		server:   server,
		router:   router,
		registry: newRegistry(cfg.MaxRegistrations),
		results:  make(map[RegistrationId]RegistrationResult),
		events:   make(chan EnrichedEvent, 256),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "broker").Logger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.firewall = newFirewallDetector(cfg.FirewallCacheSize, cfg.EventWaitTimeout, logger)
	b.subMgr = newSubscriptionManager(client, cfg, func(pair SpeakerServicePair) string {
		return server.CallbackURL()
	}, logger)
	b.subMgr.onRenewed = func(pair SpeakerServicePair, sub *Subscription) {
		b.subscriptionRenewals.Add(1)
		b.metrics.incRenewals()
		if id, ok := b.registry.lookupId(pair); ok {
			b.deliverLifecycle(id, pair, LifecycleSubscriptionRenewed, sub.SID)
		}
	}
	b.subMgr.onFailed = func(pair SpeakerServicePair, err error) {
		b.subscriptionFailures.Add(1)
		b.metrics.incSubscriptionFailures()
		b.firewall.onSubscriptionError(pair.DeviceIP, err.Error())
	}
	b.subMgr.onRemoved = func(pair SpeakerServicePair) {
		if id, ok := b.registry.lookupId(pair); ok {
			b.deliverLifecycle(id, pair, LifecycleSubscriptionRemoved, "")
		}
	}
	b.subMgr.onExpired = func(pair SpeakerServicePair, sid string) {
		id, ok := b.registry.lookupId(pair)
		if !ok {
			return
		}
		b.deliverLifecycle(id, pair, LifecycleSubscriptionExpired, sid)
		b.router.Unregister(sid)
		b.polling.startPolling(pair, id)
	}

	b.detector = newEventDetector(cfg.EventTimeout, cfg.PollingActivationDelay, b.firewall, logger)
	b.polling = newPollingScheduler(ctx, client, cfg, func(ev EnrichedEvent) {
		b.detector.recordEvent(ev.RegistrationId)
		b.deliverEvent(ev)
	}, func(id RegistrationId, err error) {
		b.logger.Debug().Uint64("registration_id", uint64(id)).Err(err).Msg("poll error")
	}, logger)

	if cfg.ResyncCheckInterval > 0 {
		b.resync = newResyncDetector(cfg.ResyncCheckInterval, cfg.ResyncCooldown, b.queryCurrentFingerprint, b.deliverResync, logger)
	}

	b.subMgr.start(ctx)
	b.detector.start(5 * time.Second)
	if b.resync != nil {
		b.resync.start()
	}
	server.Start()

	b.notifyWg.Add(1)
	go b.drainPollingRequests()

	return b, nil
}

// Register establishes (or reuses) a registration for pair and returns its
// id plus an annotation of how it's actually being serviced right now
// (§4.J). Registration never fails outright from a network condition: a
// failed subscribe falls back to polling. It returns an error only when the
// registry is full (CapacityError) or the broker has been shut down
// (ErrAlreadyShutdown).
func (b *Broker) Register(ctx context.Context, pair SpeakerServicePair) (RegistrationResult, error) {
	if b.shutdown.Load() {
		return RegistrationResult{}, ErrAlreadyShutdown
	}

	id, wasDup, err := b.registry.register(pair)
	if err != nil {
		return RegistrationResult{}, err
	}
	if wasDup {
		b.resultsMu.Lock()
		result := b.results[id]
		b.resultsMu.Unlock()
		result.WasDuplicate = true
		return result, nil
	}

	b.firewall.onFirstSubscription(pair.DeviceIP)
	b.detector.track(id, pair)

	result := RegistrationResult{RegistrationId: id, FirewallStatus: FirewallUnknown}

	sub, subErr := b.subMgr.subscribe(ctx, pair, id)
	if subErr != nil {
		reason := PollingReasonSubscriptionFailed
		result.PollingReason = &reason
		result.FirewallStatus = b.firewall.getDeviceStatus(pair.DeviceIP)
		b.polling.startPolling(pair, id)
	} else {
		b.attachRouterConsumer(pair, id, sub.SID)
		b.deliverLifecycle(id, pair, LifecycleSubscriptionEstablished, sub.SID)

		// A device already classified Blocked/Error from an earlier
		// registration must poll immediately rather than wait out
		// PollingActivationDelay via the async event detector scan (§4.F
		// point 1, §8 scenario 2: "no wait").
		status := b.firewall.getDeviceStatus(pair.DeviceIP)
		result.FirewallStatus = status
		switch status {
		case FirewallBlocked:
			reason := PollingReasonFirewallBlocked
			result.PollingReason = &reason
			b.polling.startPolling(pair, id)
		case FirewallError:
			reason := PollingReasonNetworkIssues
			result.PollingReason = &reason
			b.polling.startPolling(pair, id)
		}
	}

	b.resultsMu.Lock()
	b.results[id] = result
	b.resultsMu.Unlock()

	return result, nil
}

// Unregister tears down id: unsubscribes (or stops polling), stops the
// silence watchdog, and frees the registry slot.
func (b *Broker) Unregister(ctx context.Context, id RegistrationId) error {
	pair, ok := b.registry.unregister(id)
	if !ok {
		return ErrRegistrationNotFound
	}

	b.polling.stopPolling(id)
	b.detector.untrack(id)
	if b.resync != nil {
		b.resync.untrack(id)
	}
	if sub, ok := b.subMgr.get(pair); ok {
		b.router.Unregister(sub.SID)
	}
	b.subMgr.unsubscribe(ctx, pair)

	b.resultsMu.Lock()
	delete(b.results, id)
	b.resultsMu.Unlock()
	return nil
}

// Events returns an iterator over every event the broker produces,
// optionally narrowed by filter.
func (b *Broker) Events(filter EventFilter) *EventIterator {
	return newEventIterator(b.events, filter)
}

// GetDeviceFirewallStatus returns the current, cached firewall
// classification for deviceIP (§4.D, §4.J). Unknown is returned for a
// device the broker has never registered a subscription against.
func (b *Broker) GetDeviceFirewallStatus(deviceIP string) FirewallStatus {
	return b.firewall.getDeviceStatus(deviceIP)
}

// TriggerFirewallDetection forces an explicit re-evaluation of deviceIP's
// firewall classification against the event-wait timeout (§4.D, §4.J).
func (b *Broker) TriggerFirewallDetection(deviceIP string) FirewallStatus {
	return b.firewall.triggerDetection(deviceIP)
}

// FetchNow performs a single direct SOAP query for pair, bypassing both
// the cached event-derived state and any active subscription (§4.K:
// "fetch<P> bypasses the cache and invokes the corresponding SOAP
// operation"). It reuses the same poller the polling scheduler falls
// back to, so the payload shape is identical to what a push event would
// have carried.
func (b *Broker) FetchNow(ctx context.Context, pair SpeakerServicePair) (EventPayload, error) {
	poll := pollerFor(pair.Service)
	if poll == nil {
		return EventPayload{}, fmt.Errorf("broker: no poller for service %s", pair.Service)
	}
	result, err := poll(ctx, b.client, pair.DeviceIP)
	if err != nil {
		return EventPayload{}, err
	}
	return result.payload, nil
}

// Stats returns a point-in-time snapshot of broker-wide counters (§4.J).
func (b *Broker) Stats() BrokerStats {
	stats := BrokerStats{
		RegisteredCount:      b.registry.size(),
		ActiveSubscriptions:  b.subMgr.count(),
		ActivePollingTasks:   b.polling.activeCount(),
		EventsDelivered:      b.eventsDelivered.Load(),
		ParseErrors:          b.parseErrors.Load(),
		SequenceGaps:         b.sequenceGaps.Load(),
		SubscriptionRenewals: b.subscriptionRenewals.Load(),
		SubscriptionFailures: b.subscriptionFailures.Load(),
	}
	b.metrics.observe(stats)
	return stats
}

// Shutdown stops every background task and the callback server. It waits
// up to Config.ShutdownTaskTimeout for each component, logging (not
// failing) on timeout, since a broker shutdown should never hang a caller
// indefinitely on a stuck goroutine (§4.J).
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.shutdown.CompareAndSwap(false, true) {
		return ErrAlreadyShutdown
	}

	if b.resync != nil {
		b.resync.stop()
	}
	b.detector.stop()
	b.polling.shutdownAll()
	b.subMgr.stop()

	b.registry.forEach(func(id RegistrationId, pair SpeakerServicePair) bool {
		if sub, ok := b.subMgr.get(pair); ok {
			b.router.Unregister(sub.SID)
		}
		b.subMgr.unsubscribe(ctx, pair)
		return true
	})

	b.cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, b.cfg.ShutdownTaskTimeout)
	defer cancel()
	if err := b.server.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn().Err(err).Msg("callback server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		b.notifyWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.ShutdownTaskTimeout):
		b.logger.Warn().Msg("timed out waiting for notification consumers to exit")
	}
	close(b.events)
	return nil
}

// attachRouterConsumer registers sid with the callback router and starts a
// goroutine that decodes each NOTIFY body and turns it into an
// EnrichedEvent, resetting the firewall and silence clocks for pair along
// the way.
func (b *Broker) attachRouterConsumer(pair SpeakerServicePair, id RegistrationId, sid string) {
	ch := b.router.Register(sid, 32)
	b.notifyWg.Add(1)
	go func() {
		defer b.notifyWg.Done()
		for n := range ch {
			b.firewall.onEventReceived(pair.DeviceIP)
			b.detector.recordEvent(id)
			if b.subMgr.recordEvent(pair, n.Seq) {
				b.sequenceGaps.Add(1)
				b.metrics.incSequenceGaps()
			}

			payload, err := parseNotifyBody(pair.Service, n.Body)
			if err != nil {
				b.parseErrors.Add(1)
				b.metrics.incParseErrors()
				b.events <- EnrichedEvent{
					RegistrationId:  id,
					DeviceIP:        pair.DeviceIP,
					Service:         pair.Service,
					Source:          EventSource{Kind: SourcePushNotification, SID: sid},
					Timestamp:       time.Now(),
					Lifecycle:       LifecycleParseError,
					LifecycleDetail: firstN(n.Body, 100),
				}
				continue
			}

			b.deliverEvent(EnrichedEvent{
				RegistrationId: id,
				DeviceIP:       pair.DeviceIP,
				Service:        pair.Service,
				Source:         EventSource{Kind: SourcePushNotification, SID: sid},
				Timestamp:      time.Now(),
				Payload:        payload,
			})
		}
	}()
}

func (b *Broker) deliverEvent(ev EnrichedEvent) {
	b.eventsDelivered.Add(1)
	b.metrics.incEventsDelivered()
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	}
}

func (b *Broker) deliverLifecycle(id RegistrationId, pair SpeakerServicePair, kind LifecycleKind, detail string) {
	b.deliverEvent(EnrichedEvent{
		RegistrationId:  id,
		DeviceIP:        pair.DeviceIP,
		Service:         pair.Service,
		Source:          EventSource{Kind: SourcePushNotification, SID: detail},
		Timestamp:       time.Now(),
		Lifecycle:       kind,
		LifecycleDetail: detail,
	})
}

func (b *Broker) deliverResync(id RegistrationId, reason string) {
	pair, ok := b.registry.lookupPair(id)
	if !ok {
		return
	}
	b.deliverEvent(EnrichedEvent{
		RegistrationId: id,
		DeviceIP:       pair.DeviceIP,
		Service:        pair.Service,
		Source:         EventSource{Kind: SourceResync, Reason: reason},
		Timestamp:      time.Now(),
	})
}

// queryCurrentFingerprint is the resync detector's state probe: it reuses
// the same poller functions the polling scheduler drives, purely for their
// fingerprint, never delivering their payload directly (the detector
// decides whether a Resync event is warranted first).
func (b *Broker) queryCurrentFingerprint(id RegistrationId) (string, error) {
	pair, ok := b.registry.lookupPair(id)
	if !ok {
		return "", ErrRegistrationNotFound
	}
	poll := pollerFor(pair.Service)
	if poll == nil {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	result, err := poll(ctx, b.client, pair.DeviceIP)
	if err != nil {
		return "", err
	}
	return result.fingerprint, nil
}

// drainPollingRequests bridges the event detector's start/stop requests
// onto the polling scheduler.
func (b *Broker) drainPollingRequests() {
	defer b.notifyWg.Done()
	for req := range b.detector.requestChannel() {
		pair, ok := b.registry.lookupPair(req.RegID)
		if !ok {
			continue
		}
		switch req.Action {
		case PollingActionStart:
			b.polling.startPolling(pair, req.RegID)
			b.resultsMu.Lock()
			if result, ok := b.results[req.RegID]; ok {
				reason := req.Reason
				result.PollingReason = &reason
				b.results[req.RegID] = result
			}
			b.resultsMu.Unlock()
		case PollingActionStop:
			b.polling.stopPolling(req.RegID)
		}
	}
}
