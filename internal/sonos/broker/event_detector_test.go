package broker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

func TestEventDetectorEscalatesOnTimeout(t *testing.T) {
	fw := newFirewallDetector(16, time.Minute, zerolog.Nop())
	d := newEventDetector(20*time.Millisecond, time.Hour, fw, zerolog.Nop())

	pair := SpeakerServicePair{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport}
	d.track(1, pair)

	time.Sleep(30 * time.Millisecond)
	d.scan()

	select {
	case req := <-d.requestChannel():
		assert.Equal(t, PollingActionStart, req.Action)
		assert.Equal(t, PollingReasonEventTimeout, req.Reason)
	default:
		t.Fatal("expected a polling request")
	}
}

func TestEventDetectorRecordEventResetsClock(t *testing.T) {
	fw := newFirewallDetector(16, time.Minute, zerolog.Nop())
	d := newEventDetector(20*time.Millisecond, time.Hour, fw, zerolog.Nop())

	pair := SpeakerServicePair{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport}
	d.track(1, pair)
	time.Sleep(15 * time.Millisecond)
	d.recordEvent(1)
	d.scan()

	select {
	case req := <-d.requestChannel():
		t.Fatalf("unexpected polling request: %+v", req)
	default:
	}
}

func TestEventDetectorFirewallBlockedEscalatesImmediately(t *testing.T) {
	fw := newFirewallDetector(16, time.Millisecond, zerolog.Nop())
	d := newEventDetector(time.Hour, 10*time.Millisecond, fw, zerolog.Nop())

	pair := SpeakerServicePair{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport}
	fw.onFirstSubscription(pair.DeviceIP)
	time.Sleep(5 * time.Millisecond)
	fw.triggerDetection(pair.DeviceIP)

	d.track(1, pair)
	time.Sleep(15 * time.Millisecond)
	d.scan()

	select {
	case req := <-d.requestChannel():
		assert.Equal(t, PollingReasonFirewallBlocked, req.Reason)
	default:
		t.Fatal("expected a polling request")
	}
}

func TestEventDetectorUntrackStopsEscalation(t *testing.T) {
	fw := newFirewallDetector(16, time.Minute, zerolog.Nop())
	d := newEventDetector(10*time.Millisecond, time.Hour, fw, zerolog.Nop())

	pair := SpeakerServicePair{DeviceIP: "192.168.1.50", Service: soap.ServiceAVTransport}
	d.track(1, pair)
	d.untrack(1)
	time.Sleep(15 * time.Millisecond)
	d.scan()

	select {
	case req := <-d.requestChannel():
		t.Fatalf("unexpected polling request after untrack: %+v", req)
	default:
	}
}

func TestResyncDetectorEmitsOnDrift(t *testing.T) {
	calls := make(chan struct {
		regID RegistrationId
		fp    string
	}, 4)

	current := "v1"
	r := newResyncDetector(5*time.Millisecond, 0, func(RegistrationId) (string, error) {
		return current, nil
	}, func(id RegistrationId, reason string) {
		calls <- struct {
			regID RegistrationId
			fp    string
		}{id, reason}
	}, zerolog.Nop())

	r.updateExpected(1, "v0")
	r.checkOne(1)

	require.Len(t, calls, 1)
	got := <-calls
	assert.Equal(t, RegistrationId(1), got.regID)
}

func TestResyncDetectorNoOpWhenMatching(t *testing.T) {
	calls := 0
	r := newResyncDetector(5*time.Millisecond, 0, func(RegistrationId) (string, error) {
		return "same", nil
	}, func(RegistrationId, string) { calls++ }, zerolog.Nop())

	r.updateExpected(1, "same")
	r.checkOne(1)
	assert.Equal(t, 0, calls)
}
