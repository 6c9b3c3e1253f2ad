package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := newRegistry(0)
	pair := SpeakerServicePair{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport}

	id1, dup1, err := r.register(pair)
	require.NoError(t, err)
	assert.False(t, dup1)

	id2, dup2, err := r.register(pair)
	require.NoError(t, err)
	assert.True(t, dup2)
	assert.Equal(t, id1, id2)
}

func TestRegistryUnregisterFreesPair(t *testing.T) {
	r := newRegistry(0)
	pair := SpeakerServicePair{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport}

	id, _, err := r.register(pair)
	require.NoError(t, err)

	gotPair, ok := r.unregister(id)
	require.True(t, ok)
	assert.Equal(t, pair, gotPair)

	_, ok = r.lookupId(pair)
	assert.False(t, ok)

	_, ok = r.unregister(id)
	assert.False(t, ok)
}

func TestRegistryCapacityExceeded(t *testing.T) {
	r := newRegistry(1)

	_, _, err := r.register(SpeakerServicePair{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport})
	require.NoError(t, err)

	_, _, err = r.register(SpeakerServicePair{DeviceIP: "192.168.1.51", Service: soap.ServiceAVTransport})
	require.Error(t, err)
	assert.True(t, IsCapacity(err))
}

func TestRegistryForEach(t *testing.T) {
	r := newRegistry(0)
	pairs := []SpeakerServicePair{
		{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport},
		{DeviceIP: "192.168.1.51", Service: soap.ServiceRenderingControl},
	}
	for _, p := range pairs {
		_, _, err := r.register(p)
		require.NoError(t, err)
	}

	seen := map[SpeakerServicePair]bool{}
	r.forEach(func(_ RegistrationId, p SpeakerServicePair) bool {
		seen[p] = true
		return true
	})
	assert.Len(t, seen, 2)
	for _, p := range pairs {
		assert.True(t, seen[p])
	}
}
