package broker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFirewallDetectorUnknownUntilSeen(t *testing.T) {
	d := newFirewallDetector(16, 200*time.Millisecond, zerolog.Nop())
	assert.Equal(t, FirewallUnknown, d.getDeviceStatus("192.168.1.50"))
}

func TestFirewallDetectorAccessibleOnEvent(t *testing.T) {
	d := newFirewallDetector(16, time.Minute, zerolog.Nop())
	d.onFirstSubscription("192.168.1.50")
	assert.Equal(t, FirewallUnknown, d.getDeviceStatus("192.168.1.50"))

	d.onEventReceived("192.168.1.50")
	assert.Equal(t, FirewallAccessible, d.getDeviceStatus("192.168.1.50"))
}

func TestFirewallDetectorBlockedAfterTimeout(t *testing.T) {
	d := newFirewallDetector(16, 10*time.Millisecond, zerolog.Nop())
	d.onFirstSubscription("192.168.1.50")

	time.Sleep(20 * time.Millisecond)
	status := d.triggerDetection("192.168.1.50")
	assert.Equal(t, FirewallBlocked, status)
	assert.Equal(t, FirewallBlocked, d.getDeviceStatus("192.168.1.50"))
}

func TestFirewallDetectorWatchdogAutoClassifiesBlocked(t *testing.T) {
	d := newFirewallDetector(16, 10*time.Millisecond, zerolog.Nop())
	d.onFirstSubscription("192.168.1.50")

	assert.Eventually(t, func() bool {
		return d.getDeviceStatus("192.168.1.50") == FirewallBlocked
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestFirewallDetectorWatchdogSkipsAlreadyAccessible(t *testing.T) {
	d := newFirewallDetector(16, 10*time.Millisecond, zerolog.Nop())
	d.onFirstSubscription("192.168.1.50")
	d.onEventReceived("192.168.1.50")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, FirewallAccessible, d.getDeviceStatus("192.168.1.50"))
}

func TestFirewallDetectorEventHealsErrorStatus(t *testing.T) {
	d := newFirewallDetector(16, time.Minute, zerolog.Nop())
	d.onSubscriptionError("192.168.1.50", "dial refused")
	assert.Equal(t, FirewallError, d.getDeviceStatus("192.168.1.50"))

	d.onEventReceived("192.168.1.50")
	assert.Equal(t, FirewallAccessible, d.getDeviceStatus("192.168.1.50"))
}

func TestFirewallDetectorLRUEviction(t *testing.T) {
	d := newFirewallDetector(1, time.Minute, zerolog.Nop())
	d.onFirstSubscription("192.168.1.50")
	d.onFirstSubscription("192.168.1.51")

	assert.Equal(t, 1, d.len())
	assert.Equal(t, FirewallUnknown, d.getDeviceStatus("192.168.1.51"))
}
