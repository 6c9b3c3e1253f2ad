package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// pollResult is what a single poll attempt produces: a stable fingerprint
// of the observed state (for change detection, §4.G) plus the payload to
// deliver if it turns out to be new.
type pollResult struct {
	fingerprint string
	payload     EventPayload
}

// pollFn performs one poll of pair against client and returns its result.
// Each service gets its own pollFn built on top of the generic
// soap.Operation facade (§4.A, §9: "client facade is generic").
type pollFn func(ctx context.Context, client *soap.Client, deviceIP string) (pollResult, error)

func pollAVTransport(ctx context.Context, client *soap.Client, deviceIP string) (pollResult, error) {
	info, err := soap.Execute(ctx, client, deviceIP, soap.GetTransportInfoOp{}, soap.GetTransportInfoReq{InstanceID: 0})
	if err != nil {
		return pollResult{}, err
	}
	pos, err := soap.Execute(ctx, client, deviceIP, soap.GetPositionInfoOp{}, soap.GetPositionInfoReq{InstanceID: 0})
	if err != nil {
		return pollResult{}, err
	}

	state := info.CurrentTransportState
	status := info.CurrentTransportStatus
	speed := info.CurrentSpeed
	uri := pos.TrackURI
	dur := pos.TrackDuration
	rel := pos.RelTime
	abs := pos.AbsTime
	meta := pos.TrackMetaData

	payload := EventPayload{AVTransport: &AVTransportEvent{
		TransportState:  strPtr(state),
		TransportStatus: strPtr(status),
		Speed:           strPtr(speed),
		CurrentTrackURI: strPtr(uri),
		TrackDuration:   strPtr(dur),
		RelTime:         strPtr(rel),
		AbsTime:         strPtr(abs),
		TrackMetadata:   strPtr(meta),
	}}

	// Position fields (rel_time/abs_time) tick every second during normal
	// playback; fingerprinting on them verbatim would mean "no real
	// change" never happens. Round rel_time to a 5s bucket so fingerprint
	// stability tolerates the clock ticking alone (§4.G: "tolerate small
	// position deltas").
	fingerprint := fingerprintFields(state, status, speed, uri, dur, bucket5s(rel), meta)
	return pollResult{fingerprint: fingerprint, payload: payload}, nil
}

func pollRenderingControl(service soap.Service) pollFn {
	return func(ctx context.Context, client *soap.Client, deviceIP string) (pollResult, error) {
		vol, err := soap.Execute(ctx, client, deviceIP, soap.GetVolumeOp{}, soap.GetVolumeReq{InstanceID: 0, Channel: "Master"})
		if err != nil {
			return pollResult{}, err
		}
		mute, err := soap.Execute(ctx, client, deviceIP, soap.GetMuteOp{}, soap.GetMuteReq{InstanceID: 0, Channel: "Master"})
		if err != nil {
			return pollResult{}, err
		}

		volStr := fmt.Sprintf("%d", vol.CurrentVolume)
		muteStr := fmt.Sprintf("%t", mute.CurrentMute)

		payload := EventPayload{RenderingControl: &RenderingControlEvent{
			MasterVolume: strPtr(volStr),
			MasterMute:   strPtr(muteStr),
		}}
		fingerprint := fingerprintFields(volStr, muteStr)
		return pollResult{fingerprint: fingerprint, payload: payload}, nil
	}
}

func pollZoneGroupTopology(ctx context.Context, client *soap.Client, deviceIP string) (pollResult, error) {
	state, err := soap.Execute(ctx, client, deviceIP, soap.GetZoneGroupStateOp{}, soap.GetZoneGroupStateReq{})
	if err != nil {
		return pollResult{}, err
	}

	var groups []ZoneGroupInfo
	var fields []string
	for _, g := range state.Groups {
		var members []ZoneMemberInfo
		for _, m := range g.Members {
			members = append(members, ZoneMemberInfo{
				UUID:     m.UUID,
				Location: m.Location,
				ZoneName: m.ZoneName,
			})
			fields = append(fields, m.UUID)
		}
		groups = append(groups, ZoneGroupInfo{Coordinator: g.Coordinator, ID: g.ID, Members: members})
		fields = append(fields, g.ID)
	}

	payload := EventPayload{ZoneGroupTopology: &ZoneGroupTopologyEvent{ZoneGroups: groups}}
	return pollResult{fingerprint: fingerprintFields(fields...), payload: payload}, nil
}

func pollDeviceProperties(ctx context.Context, client *soap.Client, deviceIP string) (pollResult, error) {
	attrs, err := soap.Execute(ctx, client, deviceIP, soap.GetZoneAttributesOp{}, soap.GetZoneAttributesReq{})
	if err != nil {
		return pollResult{}, err
	}
	payload := EventPayload{DeviceProperties: &DevicePropertiesEvent{
		ZoneName: strPtr(attrs.ZoneName),
		Icon:     strPtr(attrs.Icon),
	}}
	return pollResult{fingerprint: fingerprintFields(attrs.ZoneName, attrs.Icon), payload: payload}, nil
}

// pollGroupManagement is a no-op poller: UPnP's GroupManagement service
// exposes no read action (BecomeCoordinatorOfStandaloneGroup is write-only),
// so there is nothing to fetch. Its fingerprint is constant, so a
// registration on this service gets one initial event and never reports a
// change after that.
func pollGroupManagement(_ context.Context, _ *soap.Client, _ string) (pollResult, error) {
	return pollResult{fingerprint: fingerprintFields("n/a")}, nil
}

func pollerFor(service soap.Service) pollFn {
	switch service {
	case soap.ServiceAVTransport:
		return pollAVTransport
	case soap.ServiceRenderingControl, soap.ServiceGroupRenderingControl:
		return pollRenderingControl(service)
	case soap.ServiceZoneGroupTopology:
		return pollZoneGroupTopology
	case soap.ServiceDeviceProperties:
		return pollDeviceProperties
	case soap.ServiceGroupManagement:
		return pollGroupManagement
	default:
		return nil
	}
}

func strPtr(s string) *string { return &s }

func bucket5s(relTime string) string {
	// relTime is "H:MM:SS"; bucket on the total-seconds//5 to absorb
	// sub-5s ticking without masking a real seek.
	var h, m, s int
	if _, err := fmt.Sscanf(relTime, "%d:%d:%d", &h, &m, &s); err != nil {
		return relTime
	}
	total := h*3600 + m*60 + s
	return fmt.Sprintf("%d", total/5)
}

// pollingTask drives the adaptive poll loop for a single registration
// (§4.G). Interval halves (floor BasePollingInterval) on a detected change and doubles
// (capped at MaxPollingInterval) after a quiet poll; it stops itself after
// MaxConsecutivePollErrors in a row.
type pollingTask struct {
	pair     SpeakerServicePair
	regID    RegistrationId
	poll     pollFn
	client   *soap.Client
	cfg      Config
	deliver  func(EnrichedEvent)
	onError  func(RegistrationId, error)
	logger   zerolog.Logger

	interval          time.Duration
	lastFingerprint   string
	consecutiveErrors int
	started           bool

	stopCh chan struct{}
}

func newPollingTask(pair SpeakerServicePair, regID RegistrationId, client *soap.Client, cfg Config, deliver func(EnrichedEvent), onError func(RegistrationId, error), logger zerolog.Logger) *pollingTask {
	return &pollingTask{
		pair:     pair,
		regID:    regID,
		poll:     pollerFor(pair.Service),
		client:   client,
		cfg:      cfg,
		deliver:  deliver,
		onError:  onError,
		logger:   logger.With().Str("component", "polling_task").Str("device_ip", pair.DeviceIP).Logger(),
		interval: cfg.BasePollingInterval,
		stopCh:   make(chan struct{}),
	}
}

func (t *pollingTask) run(ctx context.Context, wg *sync.WaitGroup, sem chan struct{}) {
	defer wg.Done()
	if t.poll == nil {
		t.logger.Warn().Str("service", string(t.pair.Service)).Msg("no poller registered for service, task exiting")
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-timer.C:
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		}
		changed, err := t.pollOnce(ctx)
		<-sem

		if err != nil {
			t.consecutiveErrors++
			if t.onError != nil {
				t.onError(t.regID, err)
			}
			if t.consecutiveErrors >= t.cfg.MaxConsecutivePollErrors {
				t.logger.Warn().Int("attempts", t.consecutiveErrors).Msg("too many consecutive poll errors, stopping")
				return
			}
			timer.Reset(t.errorBackoff())
			continue
		}

		t.consecutiveErrors = 0
		t.calculateAdaptiveInterval(changed)
		timer.Reset(t.interval)
	}
}

// pollOnce performs one poll and, if the state fingerprint changed (or
// this is the first poll ever), delivers an EnrichedEvent. It returns
// whether the fingerprint changed, used to drive the adaptive interval.
func (t *pollingTask) pollOnce(ctx context.Context) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := t.poll(pollCtx, t.client, t.pair.DeviceIP)
	if err != nil {
		return false, err
	}

	isFirst := !t.started
	changed := isFirst || result.fingerprint != t.lastFingerprint
	t.started = true
	t.lastFingerprint = result.fingerprint

	if changed && t.deliver != nil {
		t.deliver(EnrichedEvent{
			RegistrationId: t.regID,
			DeviceIP:       t.pair.DeviceIP,
			Service:        t.pair.Service,
			Source:         EventSource{Kind: SourcePolling, Interval: t.interval},
			Timestamp:      time.Now(),
			Payload:        result.payload,
		})
	}
	return changed, nil
}

// calculateAdaptiveInterval halves the interval (floor BasePollingInterval) after a change
// and doubles it (capped at MaxPollingInterval) after a quiet poll, when
// Config.AdaptivePolling is enabled.
func (t *pollingTask) calculateAdaptiveInterval(changed bool) {
	if !t.cfg.AdaptivePolling {
		t.interval = t.cfg.BasePollingInterval
		return
	}
	if changed {
		t.interval /= 2
		if t.interval < t.cfg.BasePollingInterval {
			t.interval = t.cfg.BasePollingInterval
		}
		return
	}
	t.interval *= 2
	if t.interval > t.cfg.MaxPollingInterval {
		t.interval = t.cfg.MaxPollingInterval
	}
}

// errorBackoff computes the sleep before the next poll attempt after a
// failure: interval doubled once per consecutive error, capped at
// MaxPollingInterval (§4.G point 4).
func (t *pollingTask) errorBackoff() time.Duration {
	delay := t.interval
	for i := 0; i < t.consecutiveErrors && delay < t.cfg.MaxPollingInterval; i++ {
		delay *= 2
	}
	if delay > t.cfg.MaxPollingInterval {
		delay = t.cfg.MaxPollingInterval
	}
	return delay
}

func (t *pollingTask) stop() {
	close(t.stopCh)
}

// pollingScheduler owns the set of live pollingTasks, one per registration
// that has fallen back to polling, and the shared worker-pool semaphore
// bounding total concurrent in-flight polls across all of them (§4.G).
type pollingScheduler struct {
	client  *soap.Client
	cfg     Config
	deliver func(EnrichedEvent)
	onError func(RegistrationId, error)
	logger  zerolog.Logger

	tasks *xsync.Map[RegistrationId, *pollingTask]
	sem   chan struct{}
	wg    sync.WaitGroup
	ctx   context.Context
	cnl   context.CancelFunc
}

func newPollingScheduler(ctx context.Context, client *soap.Client, cfg Config, deliver func(EnrichedEvent), onError func(RegistrationId, error), logger zerolog.Logger) *pollingScheduler {
	child, cancel := context.WithCancel(ctx)
	return &pollingScheduler{
		client:  client,
		cfg:     cfg,
		deliver: deliver,
		onError: onError,
		logger:  logger.With().Str("component", "polling_scheduler").Logger(),
		tasks:   xsync.NewMap[RegistrationId, *pollingTask](),
		sem:     make(chan struct{}, max(cfg.MaxConcurrentPolls, 1)),
		ctx:     child,
		cnl:     cancel,
	}
}

func (s *pollingScheduler) startPolling(pair SpeakerServicePair, regID RegistrationId) {
	if _, exists := s.tasks.Load(regID); exists {
		return
	}
	task := newPollingTask(pair, regID, s.client, s.cfg, s.deliver, s.onError, s.logger)
	if _, loaded := s.tasks.LoadOrStore(regID, task); loaded {
		return
	}
	s.wg.Add(1)
	go task.run(s.ctx, &s.wg, s.sem)
}

func (s *pollingScheduler) stopPolling(regID RegistrationId) {
	if task, ok := s.tasks.LoadAndDelete(regID); ok {
		task.stop()
	}
}

func (s *pollingScheduler) isPolling(regID RegistrationId) bool {
	_, ok := s.tasks.Load(regID)
	return ok
}

func (s *pollingScheduler) activeCount() int {
	return s.tasks.Size()
}

// shutdownAll stops every task and waits up to ShutdownTaskTimeout for the
// worker goroutines to drain (§4.J).
func (s *pollingScheduler) shutdownAll() {
	s.tasks.Range(func(_ RegistrationId, task *pollingTask) bool {
		task.stop()
		return true
	})
	s.cnl()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTaskTimeout):
		s.logger.Warn().Msg("timed out waiting for polling tasks to exit")
	}
}

// fingerprintFields hashes an arbitrary set of strings into a stable
// xxh3-based fingerprint, used by callers that build up a field list
// rather than a single formatted string (§4.G: "a stable serialization for
// equality comparison across polls").
func fingerprintFields(fields ...string) string {
	joined := strings.Join(fields, "\x1f")
	sum := xxh3.HashString(joined)
	return fmt.Sprintf("%016x", sum)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
