package property

import (
	"context"
	"sync"
	"time"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/broker"
	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// TopologyCache caches one device's zone group topology snapshot with a
// configurable TTL on top of a Store's fetch/watch machinery. Topology
// changes infrequently (grouping, device additions) relative to
// play/volume state, so a caller that polls it on every request (e.g. an
// HTTP handler rendering now-playing state) benefits from not going
// through Fetch's full Watch/Release cycle each time.
type TopologyCache struct {
	mu       sync.RWMutex
	state    *broker.ZoneGroupTopologyEvent
	cachedAt time.Time
	ttl      time.Duration
}

// NewTopologyCache creates a cache with the given TTL.
func NewTopologyCache(ttl time.Duration) *TopologyCache {
	return &TopologyCache{ttl: ttl}
}

// Get returns the cached topology if present and still fresh.
func (c *TopologyCache) Get() *broker.ZoneGroupTopologyEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == nil || time.Since(c.cachedAt) > c.ttl {
		return nil
	}
	return c.state
}

// Set stores a topology snapshot in the cache.
func (c *TopologyCache) Set(state *broker.ZoneGroupTopologyEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.cachedAt = time.Now()
}

// Invalidate clears the cache, forcing the next GetOrFetch to query the
// store again. Call this when a topology-changed event is observed out of
// band (e.g. a ZoneGroupTopology lifecycle notice).
func (c *TopologyCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = nil
	c.cachedAt = time.Time{}
}

// GetOrFetch returns the cached topology if fresh, otherwise fetches a
// fresh snapshot for deviceIP through s (bounded by timeout) and caches
// the result.
func (c *TopologyCache) GetOrFetch(ctx context.Context, s *Store, deviceIP string, timeout time.Duration) (*broker.ZoneGroupTopologyEvent, error) {
	if state := c.Get(); state != nil {
		return state, nil
	}

	topo, err := Fetch[broker.ZoneGroupTopologyEvent](ctx, s, deviceIP, []soap.Service{soap.ServiceZoneGroupTopology}, TopologyExtractor, timeout)
	if err != nil {
		return nil, err
	}
	c.Set(&topo)
	return &topo, nil
}

// CacheStats reports cache freshness for debugging/monitoring, mirroring
// the fields a caller would want on a dashboard.
type CacheStats struct {
	CachedAt   time.Time
	Age        time.Duration
	TTL        time.Duration
	HasData    bool
	IsFresh    bool
	GroupCount int
}

func (c *TopologyCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{TTL: c.ttl, HasData: c.state != nil}
	if c.state != nil {
		stats.CachedAt = c.cachedAt
		stats.Age = time.Since(c.cachedAt)
		stats.IsFresh = stats.Age <= c.ttl
		stats.GroupCount = len(c.state.ZoneGroups)
	}
	return stats
}
