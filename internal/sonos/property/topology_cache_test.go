package property

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/broker"
)

func TestTopologyCacheGetMissesWhenEmpty(t *testing.T) {
	c := NewTopologyCache(time.Minute)
	assert.Nil(t, c.Get())
}

func TestTopologyCacheSetAndGetWithinTTL(t *testing.T) {
	c := NewTopologyCache(time.Minute)
	state := &broker.ZoneGroupTopologyEvent{ZoneGroups: []broker.ZoneGroupInfo{{ID: "g1"}}}
	c.Set(state)

	got := c.Get()
	require.NotNil(t, got)
	assert.Len(t, got.ZoneGroups, 1)
}

func TestTopologyCacheExpiresAfterTTL(t *testing.T) {
	c := NewTopologyCache(5 * time.Millisecond)
	c.Set(&broker.ZoneGroupTopologyEvent{ZoneGroups: []broker.ZoneGroupInfo{{ID: "g1"}}})

	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, c.Get())
}

func TestTopologyCacheInvalidateClears(t *testing.T) {
	c := NewTopologyCache(time.Minute)
	c.Set(&broker.ZoneGroupTopologyEvent{ZoneGroups: []broker.ZoneGroupInfo{{ID: "g1"}}})
	c.Invalidate()
	assert.Nil(t, c.Get())
}

func TestTopologyCacheStatsReflectFreshness(t *testing.T) {
	c := NewTopologyCache(time.Minute)
	stats := c.Stats()
	assert.False(t, stats.HasData)

	c.Set(&broker.ZoneGroupTopologyEvent{ZoneGroups: []broker.ZoneGroupInfo{{ID: "g1"}, {ID: "g2"}}})
	stats = c.Stats()
	assert.True(t, stats.HasData)
	assert.True(t, stats.IsFresh)
	assert.Equal(t, 2, stats.GroupCount)
}
