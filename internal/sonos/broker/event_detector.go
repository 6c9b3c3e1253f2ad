package broker

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// PollingRequest is emitted by the event detector when a registration
// needs its fallback polling task started or stopped (§4.F).
type PollingRequest struct {
	Pair   SpeakerServicePair
	RegID  RegistrationId
	Action PollingAction
	Reason PollingReason
}

type PollingAction int

const (
	PollingActionStart PollingAction = iota
	PollingActionStop
)

// eventDetector is the per-registration silence watchdog (§4.F): it tracks
// the last time each registration produced an event (push or synthetic)
// and escalates to polling when a registration has gone quiet longer than
// EventTimeout, or, once it has been quiet for activationDelay, when the
// firewall detector has classified the device Blocked/Error.
type eventDetector struct {
	mu              sync.Mutex
	lastEventTimes  *xsync.Map[RegistrationId, time.Time]
	pairOf          *xsync.Map[RegistrationId, SpeakerServicePair]
	eventTimeout    time.Duration
	activationDelay time.Duration
	firewall        *firewallDetector
	requests        chan PollingRequest
	logger          zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newEventDetector(eventTimeout, activationDelay time.Duration, firewall *firewallDetector, logger zerolog.Logger) *eventDetector {
	return &eventDetector{
		lastEventTimes:  xsync.NewMap[RegistrationId, time.Time](),
		pairOf:          xsync.NewMap[RegistrationId, SpeakerServicePair](),
		eventTimeout:    eventTimeout,
		activationDelay: activationDelay,
		firewall:        firewall,
		requests:        make(chan PollingRequest, 64),
		logger:          logger.With().Str("component", "event_detector").Logger(),
		stopCh:          make(chan struct{}),
	}
}

// requestChannel returns the channel the broker facade drains to learn
// when a registration's polling fallback should start or stop.
func (d *eventDetector) requestChannel() <-chan PollingRequest {
	return d.requests
}

// track begins watching a freshly registered pair.
func (d *eventDetector) track(regID RegistrationId, pair SpeakerServicePair) {
	d.lastEventTimes.Store(regID, time.Now())
	d.pairOf.Store(regID, pair)
}

func (d *eventDetector) untrack(regID RegistrationId) {
	d.lastEventTimes.Delete(regID)
	d.pairOf.Delete(regID)
}

// recordEvent resets the silence clock for regID. Called on every event
// delivered to that registration, push or synthetic (§9: per-registration
// clock is advisory input to this watchdog, independent of the firewall
// detector's per-device clock).
func (d *eventDetector) recordEvent(regID RegistrationId) {
	d.lastEventTimes.Store(regID, time.Now())
}

// start launches the periodic silence scan. evaluateFirewallStatus mirrors
// the original detector's rule: Blocked escalates with reason
// FirewallBlocked, Error escalates with reason NetworkIssues (both after
// activationDelay), anything else defers to the plain timeout check.
func (d *eventDetector) start(interval time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.scan()
			}
		}
	}()
}

func (d *eventDetector) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	close(d.requests)
}

func (d *eventDetector) scan() {
	now := time.Now()
	d.lastEventTimes.Range(func(regID RegistrationId, lastEvent time.Time) bool {
		pair, ok := d.pairOf.Load(regID)
		if !ok {
			return true
		}

		if reason, ok := d.evaluateFirewallStatus(pair.DeviceIP, now.Sub(lastEvent)); ok {
			d.emit(PollingRequest{Pair: pair, RegID: regID, Action: PollingActionStart, Reason: reason})
			return true
		}

		if now.Sub(lastEvent) >= d.eventTimeout {
			d.emit(PollingRequest{Pair: pair, RegID: regID, Action: PollingActionStart, Reason: PollingReasonEventTimeout})
		}
		return true
	})
}

// evaluateFirewallStatus returns (reason, true) when the device's firewall
// classification alone justifies starting polling, once activationDelay
// has elapsed since the registration went quiet.
func (d *eventDetector) evaluateFirewallStatus(deviceIP string, silentFor time.Duration) (PollingReason, bool) {
	if silentFor < d.activationDelay {
		return PollingReasonNone, false
	}
	switch d.firewall.getDeviceStatus(deviceIP) {
	case FirewallBlocked:
		return PollingReasonFirewallBlocked, true
	case FirewallError:
		return PollingReasonNetworkIssues, true
	default:
		return PollingReasonNone, false
	}
}

func (d *eventDetector) emit(req PollingRequest) {
	select {
	case d.requests <- req:
	default:
		d.logger.Warn().Str("device_ip", req.Pair.DeviceIP).Msg("polling request channel full, dropping request")
	}
}

// requestStop asks the broker facade to stop polling regID, typically
// because a push event finally arrived for a registration that had been
// escalated.
func (d *eventDetector) requestStop(regID RegistrationId, pair SpeakerServicePair) {
	d.emit(PollingRequest{Pair: pair, RegID: regID, Action: PollingActionStop})
}

// resyncDetector independently cross-checks state for "live" registrations
// against the last value implied by the event stream, emitting a
// Resync-sourced event when they've drifted (SPEC_FULL.md supplemented
// feature 3). Disabled by default; zero Config.ResyncCheckInterval never
// constructs one.
type resyncDetector struct {
	mu               sync.Mutex
	lastResyncTimes  map[RegistrationId]time.Time
	expectedState    map[RegistrationId]string
	cooldown         time.Duration
	checkInterval    time.Duration
	queryCurrent     func(RegistrationId) (string, error)
	emitResync       func(RegistrationId, string)
	logger           zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newResyncDetector(checkInterval, cooldown time.Duration, queryCurrent func(RegistrationId) (string, error), emitResync func(RegistrationId, string), logger zerolog.Logger) *resyncDetector {
	return &resyncDetector{
		lastResyncTimes: make(map[RegistrationId]time.Time),
		expectedState:   make(map[RegistrationId]string),
		cooldown:        cooldown,
		checkInterval:   checkInterval,
		queryCurrent:    queryCurrent,
		emitResync:      emitResync,
		logger:          logger.With().Str("component", "resync_detector").Logger(),
		stopCh:          make(chan struct{}),
	}
}

func (r *resyncDetector) updateExpected(regID RegistrationId, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expectedState[regID] = fingerprint
}

func (r *resyncDetector) untrack(regID RegistrationId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.expectedState, regID)
	delete(r.lastResyncTimes, regID)
}

func (r *resyncDetector) start() {
	if r.checkInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.checkAll()
			}
		}
	}()
}

func (r *resyncDetector) stop() {
	if r.checkInterval <= 0 {
		return
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *resyncDetector) checkAll() {
	r.mu.Lock()
	ids := make([]RegistrationId, 0, len(r.expectedState))
	for id := range r.expectedState {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.checkOne(id)
	}
}

func (r *resyncDetector) checkOne(regID RegistrationId) {
	r.mu.Lock()
	last := r.lastResyncTimes[regID]
	expected := r.expectedState[regID]
	r.mu.Unlock()

	if time.Since(last) < r.cooldown {
		return
	}

	current, err := r.queryCurrent(regID)
	if err != nil {
		r.logger.Debug().Err(err).Uint64("registration_id", uint64(regID)).Msg("resync query failed")
		return
	}
	if current == expected {
		return
	}

	r.mu.Lock()
	r.lastResyncTimes[regID] = time.Now()
	r.expectedState[regID] = current
	r.mu.Unlock()

	r.emitResync(regID, "state drifted from event-stream-implied value")
}
