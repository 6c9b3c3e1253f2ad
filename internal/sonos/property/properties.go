package property

import (
	"context"
	"strconv"
	"time"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/broker"
	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// DeviceState is the merged view of every property this package knows how
// to decode for one device, built up incrementally from whichever
// services are currently being watched on it (§4.K). A field being nil
// means "never observed", not "false"/"zero" — the monotonicity rule
// below never lets a later nil overwrite an earlier non-nil value.
type DeviceState struct {
	PlaybackState   *string
	TransportStatus *string
	CurrentTrackURI *string
	TrackMetadata   *string
	Volume          *int
	Muted           *bool
	Bass            *int
	Treble          *int
	ZoneName        *string
	Icon            *string
	GroupCoordinatorIsLocal *bool
	Topology        *broker.ZoneGroupTopologyEvent

	UpdatedAt time.Time
}

// mergeEvent folds a broker.EnrichedEvent's payload into current,
// returning the new merged DeviceState. Only fields the event's service
// actually carries are touched; everything else is preserved from
// current (§4.K: "never let a None overwrite a Some").
func mergeEvent(current DeviceState, ev EventRecord) DeviceState {
	merged := current
	merged.UpdatedAt = ev.Timestamp

	switch {
	case ev.Payload.AVTransport != nil:
		p := ev.Payload.AVTransport
		mergeStrPtr(&merged.PlaybackState, p.TransportState)
		mergeStrPtr(&merged.TransportStatus, p.TransportStatus)
		mergeStrPtr(&merged.CurrentTrackURI, p.CurrentTrackURI)
		mergeStrPtr(&merged.TrackMetadata, p.TrackMetadata)

	case ev.Payload.RenderingControl != nil:
		p := ev.Payload.RenderingControl
		mergeIntPtrFromStr(&merged.Volume, p.MasterVolume)
		mergeBoolPtrFromStr(&merged.Muted, p.MasterMute)
		mergeIntPtrFromStr(&merged.Bass, p.Bass)
		mergeIntPtrFromStr(&merged.Treble, p.Treble)

	case ev.Payload.DeviceProperties != nil:
		p := ev.Payload.DeviceProperties
		mergeStrPtr(&merged.ZoneName, p.ZoneName)
		mergeStrPtr(&merged.Icon, p.Icon)

	case ev.Payload.GroupManagement != nil:
		p := ev.Payload.GroupManagement
		mergeBoolPtrFromStr(&merged.GroupCoordinatorIsLocal, p.GroupCoordinatorIsLocal)

	case ev.Payload.ZoneGroupTopology != nil:
		// Topology is always a full snapshot, never an incremental delta,
		// so it replaces rather than merges field-by-field.
		merged.Topology = ev.Payload.ZoneGroupTopology
	}

	return merged
}

func mergeStrPtr(dst **string, src *string) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

func mergeIntPtrFromStr(dst **int, src *string) {
	if src == nil {
		return
	}
	n, err := strconv.Atoi(*src)
	if err != nil {
		return
	}
	*dst = &n
}

func mergeBoolPtrFromStr(dst **bool, src *string) {
	if src == nil {
		return
	}
	v := *src == "1" || *src == "true"
	*dst = &v
}

// PropertyWatcher is a reference-counted subscription to one decoded
// property stream on a device (§4.K). Release must be called exactly
// once; it is not safe to call C() after Release.
type PropertyWatcher[T any] struct {
	ch      chan T
	store   *Store
	pairs   []broker.SpeakerServicePair
	handle  *listenerHandle
	device  string
}

// C returns the channel delivering every new value of T observed for this
// watcher. Sends are non-blocking from the store's perspective — a slow
// consumer misses intermediate values rather than stalling the decoder.
func (w *PropertyWatcher[T]) C() <-chan T {
	return w.ch
}

// Release decrements the refcount on every SpeakerServicePair this
// watcher required, unregistering with the broker once the last watcher
// for that pair is gone and Store's release window has elapsed.
func (w *PropertyWatcher[T]) Release() {
	w.store.removeListener(w.device, w.handle)
	for _, pair := range w.pairs {
		w.store.release(pair)
	}
}

// extractor pulls a typed value out of a DeviceState, reporting whether it
// was present at all.
type extractor[T any] func(DeviceState) (T, bool)

// Watch subscribes to a typed property on deviceIP, registering whichever
// SpeakerServicePairs are needed (idempotent/refcounted via Store) and
// returning a PropertyWatcher that delivers every subsequent value (§4.K:
// "watch[P]"). The initial value, if already known, is NOT delivered on
// the channel — call Store.Get first for the current snapshot.
func Watch[T any](ctx context.Context, s *Store, deviceIP string, services []soap.Service, extract extractor[T]) (*PropertyWatcher[T], error) {
	pairs := make([]broker.SpeakerServicePair, 0, len(services))
	for _, svc := range services {
		pairs = append(pairs, broker.SpeakerServicePair{DeviceIP: deviceIP, Service: svc})
	}

	for i, pair := range pairs {
		if err := s.acquire(ctx, pair); err != nil {
			for _, acquired := range pairs[:i] {
				s.release(acquired)
			}
			return nil, err
		}
	}

	w := &PropertyWatcher[T]{
		ch:     make(chan T, 8),
		store:  s,
		pairs:  pairs,
		device: deviceIP,
	}
	w.handle = s.addListener(deviceIP, func(ds DeviceState) {
		v, ok := extract(ds)
		if !ok {
			return
		}
		select {
		case w.ch <- v:
		default:
		}
	})
	return w, nil
}

// Fetch bypasses the cache and invokes the SOAP operation behind each of
// services directly against deviceIP, seeds the store with the result,
// and returns the extracted value (§4.K: "fetch[P] bypasses the cache and
// invokes the corresponding SOAP operation, then update_property to seed
// the store"). If every direct query fails, it falls back to waiting up
// to timeout on the event stream the way Watch does, so a device that is
// reachable only through an existing push subscription (e.g. blocked
// control-port access) still resolves.
func Fetch[T any](ctx context.Context, s *Store, deviceIP string, services []soap.Service, extract extractor[T], timeout time.Duration) (T, error) {
	var zero T

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ds DeviceState
	for _, svc := range services {
		payload, err := s.b.FetchNow(fetchCtx, broker.SpeakerServicePair{DeviceIP: deviceIP, Service: svc})
		if err != nil {
			// A direct query can fail outright (e.g. the device is
			// firewalled off its control port); fall through to the event
			// stream below instead of surfacing a transient network error
			// for a value that might already be flowing over GENA.
			continue
		}
		ds = s.seed(deviceIP, payload)
	}
	if v, ok := extract(ds); ok {
		return v, nil
	}

	w, err := Watch[T](fetchCtx, s, deviceIP, services, extract)
	if err != nil {
		return zero, err
	}
	defer w.Release()

	select {
	case v := <-w.ch:
		return v, nil
	case <-fetchCtx.Done():
		return zero, fetchCtx.Err()
	}
}

// PlaybackStateExtractor reads AVTransport's playback state.
func PlaybackStateExtractor(ds DeviceState) (string, bool) {
	if ds.PlaybackState == nil {
		return "", false
	}
	return *ds.PlaybackState, true
}

// CurrentTrackURIExtractor reads AVTransport's current track URI.
func CurrentTrackURIExtractor(ds DeviceState) (string, bool) {
	if ds.CurrentTrackURI == nil {
		return "", false
	}
	return *ds.CurrentTrackURI, true
}

// VolumeExtractor reads RenderingControl's master volume.
func VolumeExtractor(ds DeviceState) (int, bool) {
	if ds.Volume == nil {
		return 0, false
	}
	return *ds.Volume, true
}

// MuteExtractor reads RenderingControl's master mute.
func MuteExtractor(ds DeviceState) (bool, bool) {
	if ds.Muted == nil {
		return false, false
	}
	return *ds.Muted, true
}

// ZoneNameExtractor reads DeviceProperties' zone name.
func ZoneNameExtractor(ds DeviceState) (string, bool) {
	if ds.ZoneName == nil {
		return "", false
	}
	return *ds.ZoneName, true
}

// TopologyExtractor reads the last observed zone group topology snapshot.
func TopologyExtractor(ds DeviceState) (broker.ZoneGroupTopologyEvent, bool) {
	if ds.Topology == nil {
		return broker.ZoneGroupTopologyEvent{}, false
	}
	return *ds.Topology, true
}
