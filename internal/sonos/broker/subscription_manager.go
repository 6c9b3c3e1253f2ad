package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// subscriptionManager owns the GENA lifecycle for every live push
// subscription: create, renew, and remove (§4.E). A background renewal
// scanner wakes at RenewalThreshold/2 and renews anything within
// RenewalThreshold of expiry; failures back off exponentially
// (RetryBaseDelay * 2^attempt) up to MaxRetryAttempts before giving up on
// that subscription.
type subscriptionManager struct {
	client      *soap.Client
	subs        *xsync.Map[SpeakerServicePair, *Subscription]
	attempts    *xsync.Map[SpeakerServicePair, int]
	retryAfter  *xsync.Map[SpeakerServicePair, time.Time]
	cfg         Config
	callbackURL func(pair SpeakerServicePair) string
	logger      zerolog.Logger

	onEstablished func(pair SpeakerServicePair, sub *Subscription)
	onRenewed     func(pair SpeakerServicePair, sub *Subscription)
	onFailed      func(pair SpeakerServicePair, err error)
	onRemoved     func(pair SpeakerServicePair)
	onExpired     func(pair SpeakerServicePair, sid string)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newSubscriptionManager(client *soap.Client, cfg Config, callbackURL func(SpeakerServicePair) string, logger zerolog.Logger) *subscriptionManager {
	return &subscriptionManager{
		client:      client,
		subs:        xsync.NewMap[SpeakerServicePair, *Subscription](),
		attempts:    xsync.NewMap[SpeakerServicePair, int](),
		retryAfter:  xsync.NewMap[SpeakerServicePair, time.Time](),
		cfg:         cfg,
		callbackURL: callbackURL,
		logger:      logger.With().Str("component", "subscription_manager").Logger(),
		stopCh:      make(chan struct{}),
	}
}

// start launches the renewal scanner.
func (m *subscriptionManager) start(ctx context.Context) {
	interval := m.cfg.RenewalThreshold / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.renewExpiring(ctx)
			}
		}
	}()
}

func (m *subscriptionManager) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// subscribe establishes a new GENA subscription for pair. On success it
// stores the Subscription and invokes onEstablished; on failure it records
// the attempt count for backoff and returns the error wrapped in a
// transient *BrokerError so the caller (event detector / register sequencing) can decide whether to fall
// back to polling.
func (m *subscriptionManager) subscribe(ctx context.Context, pair SpeakerServicePair, regID RegistrationId) (*Subscription, error) {
	cb := m.callbackURL(pair)
	sid, timeout, err := m.client.Subscribe(ctx, pair.DeviceIP, pair.Service, cb, m.cfg.SubscriptionTimeout)
	if err != nil {
		m.recordFailure(pair)
		if m.onFailed != nil {
			m.onFailed(pair, err)
		}
		return nil, &BrokerError{Kind: BrokerErrTransient, Pair: pair, Reason: "subscribe failed", Wrapped: err}
	}

	now := time.Now()
	sub := &Subscription{
		SID:            sid,
		Pair:           pair,
		RegistrationId: regID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(timeout) * time.Second),
		LastEventAt:    now,
	}
	m.subs.Store(pair, sub)
	m.attempts.Delete(pair)
	m.logger.Info().Str("device_ip", pair.DeviceIP).Str("service", string(pair.Service)).Str("sid", sid).Msg("subscription established")
	if m.onEstablished != nil {
		m.onEstablished(pair, sub)
	}
	return sub, nil
}

// unsubscribe tears down pair's subscription, best-effort (§4.E: network
// failures on teardown are logged, not propagated).
func (m *subscriptionManager) unsubscribe(ctx context.Context, pair SpeakerServicePair) {
	sub, ok := m.subs.LoadAndDelete(pair)
	if !ok {
		return
	}
	m.attempts.Delete(pair)
	m.retryAfter.Delete(pair)
	if err := m.client.Unsubscribe(ctx, pair.DeviceIP, pair.Service, sub.SID); err != nil {
		m.logger.Warn().Err(err).Str("device_ip", pair.DeviceIP).Str("sid", sub.SID).Msg("unsubscribe failed, treating as removed")
	}
	if m.onRemoved != nil {
		m.onRemoved(pair)
	}
}

func (m *subscriptionManager) get(pair SpeakerServicePair) (*Subscription, bool) {
	return m.subs.Load(pair)
}

// recordEvent updates pair's last-event clock and SEQ tracking, returning
// whether this NOTIFY's SEQ was discontinuous with the last one seen
// (advisory only, SPEC_FULL.md supplemented feature 1).
func (m *subscriptionManager) recordEvent(pair SpeakerServicePair, seq int) (gapDetected bool) {
	sub, ok := m.subs.Load(pair)
	if !ok {
		return false
	}
	sub.LastEventAt = time.Now()
	if seq > 0 {
		if sub.lastSeq != 0 && seq != sub.lastSeq+1 {
			sub.SequenceGaps++
			gapDetected = true
		}
		sub.lastSeq = seq
	}
	return gapDetected
}

func (m *subscriptionManager) recordFailure(pair SpeakerServicePair) {
	n, _ := m.attempts.LoadOrStore(pair, 0)
	m.attempts.Store(pair, n+1)
}

func (m *subscriptionManager) attemptCount(pair SpeakerServicePair) int {
	n, _ := m.attempts.Load(pair)
	return n
}

// backoffDelay returns the delay before the next retry for pair's current
// attempt count, or false once MaxRetryAttempts has been exhausted.
func (m *subscriptionManager) backoffDelay(pair SpeakerServicePair) (time.Duration, bool) {
	n := m.attemptCount(pair)
	if n >= m.cfg.MaxRetryAttempts {
		return 0, false
	}
	delay := m.cfg.RetryBaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
	}
	return delay, true
}

func (m *subscriptionManager) renewExpiring(ctx context.Context) {
	now := time.Now()
	var stale []SpeakerServicePair
	m.subs.Range(func(pair SpeakerServicePair, sub *Subscription) bool {
		if sub.ExpiresAt.Sub(now) <= m.cfg.RenewalThreshold {
			stale = append(stale, pair)
		}
		return true
	})

	for _, pair := range stale {
		// A pair that just failed waits out its own exponential backoff
		// delay rather than retrying on every scanner tick (§4.E: "failures
		// back off exponentially ... up to MaxRetryAttempts").
		if until, ok := m.retryAfter.Load(pair); ok && now.Before(until) {
			continue
		}

		sub, ok := m.subs.Load(pair)
		if !ok {
			continue
		}
		renewCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		timeout, err := m.client.Renew(renewCtx, pair.DeviceIP, pair.Service, sub.SID, m.cfg.SubscriptionTimeout)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("device_ip", pair.DeviceIP).Str("sid", sub.SID).Msg("renewal failed")
			m.recordFailure(pair)
			if m.onFailed != nil {
				m.onFailed(pair, fmt.Errorf("renew: %w", err))
			}
			delay, ok := m.backoffDelay(pair)
			if !ok {
				// MaxRetryAttempts exhausted (§4.E): give up on this
				// subscription rather than retrying forever. The broker
				// decides whether to re-subscribe or fall back to polling.
				m.subs.Delete(pair)
				m.attempts.Delete(pair)
				m.retryAfter.Delete(pair)
				m.logger.Warn().Str("device_ip", pair.DeviceIP).Str("sid", sub.SID).Msg("renewal retries exhausted, subscription expired")
				if m.onExpired != nil {
					m.onExpired(pair, sub.SID)
				}
				continue
			}
			m.retryAfter.Store(pair, time.Now().Add(delay))
			continue
		}
		sub.ExpiresAt = time.Now().Add(time.Duration(timeout) * time.Second)
		m.attempts.Delete(pair)
		m.retryAfter.Delete(pair)
		if m.onRenewed != nil {
			m.onRenewed(pair, sub)
		}
	}
}

func (m *subscriptionManager) count() int {
	return m.subs.Size()
}
