package property

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/broker"
)

// newBareStore builds a Store without starting its decoder goroutine or
// requiring a live broker.Broker, for exercising the pure state/listener
// bookkeeping in isolation.
func newBareStore() *Store {
	return &Store{
		releaseWindow: time.Hour,
		state:         make(map[string]DeviceState),
		listeners:     make(map[string][]*listenerHandle),
		refs:          make(map[broker.SpeakerServicePair]*pairRef),
	}
}

func TestStoreApplyEventMergesAndFansOutToListeners(t *testing.T) {
	s := newBareStore()

	var got DeviceState
	s.addListener("192.168.1.50", func(ds DeviceState) { got = ds })

	s.applyEvent(EventRecord{
		DeviceIP:  "192.168.1.50",
		Timestamp: time.Now(),
		Payload:   broker.EventPayload{AVTransport: &broker.AVTransportEvent{TransportState: strp("PLAYING")}},
	})

	require.NotNil(t, got.PlaybackState)
	assert.Equal(t, "PLAYING", *got.PlaybackState)

	ds, ok := s.Get("192.168.1.50")
	require.True(t, ok)
	require.NotNil(t, ds.PlaybackState)
	assert.Equal(t, "PLAYING", *ds.PlaybackState)
}

func TestStoreSeedMergesAndFansOutLikeApplyEvent(t *testing.T) {
	s := newBareStore()

	var got DeviceState
	s.addListener("192.168.1.51", func(ds DeviceState) { got = ds })

	merged := s.seed("192.168.1.51", broker.EventPayload{RenderingControl: &broker.RenderingControlEvent{MasterVolume: strp("42")}})

	require.NotNil(t, merged.Volume)
	assert.Equal(t, 42, *merged.Volume)
	require.NotNil(t, got.Volume)
	assert.Equal(t, 42, *got.Volume)

	ds, ok := s.Get("192.168.1.51")
	require.True(t, ok)
	require.NotNil(t, ds.Volume)
	assert.Equal(t, 42, *ds.Volume)
}

func TestStoreGetUnknownDeviceReportsNotOK(t *testing.T) {
	s := newBareStore()
	_, ok := s.Get("192.168.1.99")
	assert.False(t, ok)
}

func TestStoreAddAndRemoveListenerByIdentity(t *testing.T) {
	s := newBareStore()

	calls := 0
	h := s.addListener("192.168.1.50", func(DeviceState) { calls++ })
	s.applyEvent(EventRecord{DeviceIP: "192.168.1.50", Payload: broker.EventPayload{AVTransport: &broker.AVTransportEvent{}}})
	assert.Equal(t, 1, calls)

	s.removeListener("192.168.1.50", h)
	s.applyEvent(EventRecord{DeviceIP: "192.168.1.50", Payload: broker.EventPayload{AVTransport: &broker.AVTransportEvent{}}})
	assert.Equal(t, 1, calls, "a removed listener must not be invoked again")
}

func TestStoreReleaseDecrementsWithoutTouchingBrokerWhileAboveZero(t *testing.T) {
	s := newBareStore()
	pair := broker.SpeakerServicePair{DeviceIP: "192.168.1.50", Service: "AVTransport"}
	s.refs[pair] = &pairRef{count: 2, regID: 7}

	s.release(pair)

	s.mu.Lock()
	ref := s.refs[pair]
	s.mu.Unlock()
	require.NotNil(t, ref)
	assert.Equal(t, 1, ref.count)
}

func TestStoreReleaseOfUnknownPairIsNoOp(t *testing.T) {
	s := newBareStore()
	assert.NotPanics(t, func() {
		s.release(broker.SpeakerServicePair{DeviceIP: "192.168.1.50", Service: "AVTransport"})
	})
}
