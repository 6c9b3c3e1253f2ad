package property

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/broker"
	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

func strp(s string) *string { return &s }

func TestMergeEventAVTransportNeverLetsNilOverwriteSome(t *testing.T) {
	current := DeviceState{PlaybackState: strp("PLAYING")}

	ev := EventRecord{
		Timestamp: time.Now(),
		Payload: broker.EventPayload{AVTransport: &broker.AVTransportEvent{
			TransportStatus: strp("OK"),
		}},
	}

	merged := mergeEvent(current, ev)
	require.NotNil(t, merged.PlaybackState)
	assert.Equal(t, "PLAYING", *merged.PlaybackState, "a later event with no PlaybackState must not clear the prior value")
	require.NotNil(t, merged.TransportStatus)
	assert.Equal(t, "OK", *merged.TransportStatus)
}

func TestMergeEventRenderingControlParsesIntAndBool(t *testing.T) {
	ev := EventRecord{
		Timestamp: time.Now(),
		Payload: broker.EventPayload{RenderingControl: &broker.RenderingControlEvent{
			MasterVolume: strp("37"),
			MasterMute:   strp("1"),
		}},
	}

	merged := mergeEvent(DeviceState{}, ev)
	require.NotNil(t, merged.Volume)
	assert.Equal(t, 37, *merged.Volume)
	require.NotNil(t, merged.Muted)
	assert.True(t, *merged.Muted)
}

func TestMergeEventRenderingControlBoolFalseVariants(t *testing.T) {
	ev := EventRecord{Payload: broker.EventPayload{RenderingControl: &broker.RenderingControlEvent{
		MasterMute: strp("0"),
	}}}
	merged := mergeEvent(DeviceState{}, ev)
	require.NotNil(t, merged.Muted)
	assert.False(t, *merged.Muted)
}

func TestMergeEventRenderingControlMalformedIntIsIgnored(t *testing.T) {
	current := DeviceState{Volume: intp(5)}
	ev := EventRecord{Payload: broker.EventPayload{RenderingControl: &broker.RenderingControlEvent{
		MasterVolume: strp("not-a-number"),
	}}}
	merged := mergeEvent(current, ev)
	require.NotNil(t, merged.Volume)
	assert.Equal(t, 5, *merged.Volume, "a malformed value must not clobber the prior one")
}

func intp(n int) *int { return &n }

func TestMergeEventTopologyReplacesRatherThanMerges(t *testing.T) {
	current := DeviceState{Topology: &broker.ZoneGroupTopologyEvent{ZoneGroups: []broker.ZoneGroupInfo{{ID: "old"}}}}
	ev := EventRecord{Payload: broker.EventPayload{ZoneGroupTopology: &broker.ZoneGroupTopologyEvent{
		ZoneGroups: []broker.ZoneGroupInfo{{ID: "new-a"}, {ID: "new-b"}},
	}}}

	merged := mergeEvent(current, ev)
	require.NotNil(t, merged.Topology)
	require.Len(t, merged.Topology.ZoneGroups, 2)
	assert.Equal(t, "new-a", merged.Topology.ZoneGroups[0].ID)
}

func TestMergeEventDeviceProperties(t *testing.T) {
	ev := EventRecord{Payload: broker.EventPayload{DeviceProperties: &broker.DevicePropertiesEvent{
		ZoneName: strp("Kitchen"),
	}}}
	merged := mergeEvent(DeviceState{}, ev)
	require.NotNil(t, merged.ZoneName)
	assert.Equal(t, "Kitchen", *merged.ZoneName)
}

func TestExtractorsReportAbsentAsFalse(t *testing.T) {
	ds := DeviceState{}
	_, ok := PlaybackStateExtractor(ds)
	assert.False(t, ok)
	_, ok = VolumeExtractor(ds)
	assert.False(t, ok)
	_, ok = MuteExtractor(ds)
	assert.False(t, ok)
	_, ok = ZoneNameExtractor(ds)
	assert.False(t, ok)
	_, ok = CurrentTrackURIExtractor(ds)
	assert.False(t, ok)
	_, ok = TopologyExtractor(ds)
	assert.False(t, ok)
}

func TestExtractorsReadPresentValues(t *testing.T) {
	ds := DeviceState{
		PlaybackState:   strp("PAUSED_PLAYBACK"),
		Volume:          intp(10),
		Muted:           boolp(true),
		ZoneName:        strp("Office"),
		CurrentTrackURI: strp("x-sonos-spotify:t1"),
		Topology:        &broker.ZoneGroupTopologyEvent{ZoneGroups: []broker.ZoneGroupInfo{{ID: "g1"}}},
	}

	v, ok := PlaybackStateExtractor(ds)
	require.True(t, ok)
	assert.Equal(t, "PAUSED_PLAYBACK", v)

	vol, ok := VolumeExtractor(ds)
	require.True(t, ok)
	assert.Equal(t, 10, vol)

	mute, ok := MuteExtractor(ds)
	require.True(t, ok)
	assert.True(t, mute)

	zone, ok := ZoneNameExtractor(ds)
	require.True(t, ok)
	assert.Equal(t, "Office", zone)

	topo, ok := TopologyExtractor(ds)
	require.True(t, ok)
	assert.Len(t, topo.ZoneGroups, 1)
}

func boolp(b bool) *bool { return &b }

func newTestBrokerForFetch(t *testing.T, portStart int) *broker.Broker {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.CallbackPortRangeStart = portStart
	cfg.CallbackPortRangeEnd = portStart + 20
	cfg.ShutdownTaskTimeout = 500 * time.Millisecond

	client := soap.NewClient(100 * time.Millisecond)
	b, err := broker.New(cfg, client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

// Nothing listens on 127.0.0.1's UPnP control port during this test, so
// Fetch's direct SOAP query fails and it must fall back to waiting on the
// event stream rather than panicking or hanging past the deadline.
func TestFetchFallsBackToWatchWhenDirectSOAPQueryFails(t *testing.T) {
	b := newTestBrokerForFetch(t, 54200)
	s := NewStore(b, zerolog.Nop())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := Fetch[int](ctx, s, "127.0.0.1", []soap.Service{soap.ServiceRenderingControl}, VolumeExtractor, 200*time.Millisecond)
	require.Error(t, err)
}
