package broker

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// firewallRecord is the cached classification for one device (§4.D).
type firewallRecord struct {
	status       FirewallStatus
	lastEventAt  time.Time
	firstSeenAt  time.Time
	detectionErr string
}

// firewallDetector classifies, per device, whether its callback NOTIFYs can
// reach this process (§4.D). Classification is event-arrival based: a
// device is Accessible once its first NOTIFY lands, Blocked once
// Config.EventWaitTimeout elapses with none, Error on a transport failure while
// probing the subscription itself. The cache is capacity-bounded by LRU
// eviction so a long-running broker watching many transient devices can't
// grow the map without bound.
type firewallDetector struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, *firewallRecord]
	timeout time.Duration
	logger  zerolog.Logger
}

func newFirewallDetector(cacheSize int, timeout time.Duration, logger zerolog.Logger) *firewallDetector {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, *firewallRecord](cacheSize)
	if err != nil {
		// Only invalid (non-positive) size can fail here, already guarded.
		panic(err)
	}
	return &firewallDetector{
		cache:   cache,
		timeout: timeout,
		logger:  logger.With().Str("component", "firewall").Logger(),
	}
}

// onFirstSubscription seeds a device's record as Unknown the moment its
// first subscription is created, so a concurrent status read never
// observes a missing entry as something other than "not yet classified",
// and arms the bounded watchdog (§4.D): if no event has arrived by the
// time it fires, triggerDetection reclassifies the device Blocked.
func (d *firewallDetector) onFirstSubscription(deviceIP string) {
	d.mu.Lock()
	if _, ok := d.cache.Get(deviceIP); ok {
		d.mu.Unlock()
		return
	}
	d.cache.Add(deviceIP, &firewallRecord{
		status:      FirewallUnknown,
		firstSeenAt: time.Now(),
	})
	d.mu.Unlock()

	time.AfterFunc(d.timeout, func() {
		d.triggerDetection(deviceIP)
	})
}

// onEventReceived marks a device Accessible on any NOTIFY arrival,
// regardless of prior status — an Error/Blocked device that starts
// delivering events has self-healed.
func (d *firewallDetector) onEventReceived(deviceIP string) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.cache.Get(deviceIP)
	if !ok {
		rec = &firewallRecord{firstSeenAt: now}
	}
	rec.status = FirewallAccessible
	rec.lastEventAt = now
	rec.detectionErr = ""
	d.cache.Add(deviceIP, rec)
}

// onSubscriptionError marks a device Error — a transport-level failure
// while trying to establish or renew the subscription itself, distinct
// from simply never receiving an event.
func (d *firewallDetector) onSubscriptionError(deviceIP string, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.cache.Get(deviceIP)
	if !ok {
		rec = &firewallRecord{firstSeenAt: time.Now()}
	}
	rec.status = FirewallError
	rec.detectionErr = reason
	d.cache.Add(deviceIP, rec)
}

// getDeviceStatus returns the current classification for deviceIP. Unknown
// is returned for a device never seen before.
func (d *firewallDetector) getDeviceStatus(deviceIP string) FirewallStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.cache.Get(deviceIP)
	if !ok {
		return FirewallUnknown
	}
	return rec.status
}

// triggerDetection re-evaluates a device against the event timeout: if it's
// still Unknown and has waited longer than d.timeout since its first
// subscription with no event, it's reclassified Blocked. Called by the
// watchdog timer onFirstSubscription arms and by
// Broker.TriggerFirewallDetection.
func (d *firewallDetector) triggerDetection(deviceIP string) FirewallStatus {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.cache.Get(deviceIP)
	if !ok {
		return FirewallUnknown
	}
	if rec.status != FirewallUnknown {
		return rec.status
	}
	if now.Sub(rec.firstSeenAt) >= d.timeout {
		rec.status = FirewallBlocked
		d.cache.Add(deviceIP, rec)
		d.logger.Warn().Str("device_ip", deviceIP).Dur("waited", now.Sub(rec.firstSeenAt)).Msg("no event received within timeout, classifying blocked")
	}
	return rec.status
}

func (d *firewallDetector) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
