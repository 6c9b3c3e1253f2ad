// Package broker implements the event broker: subscription lifecycle,
// firewall classification, push/poll fallback, and event routing (§2 A-J
// of the core spec). It sits on top of internal/sonos/soap and
// internal/sonos/callback and owns no back-reference to either the
// callback server or the property store built on top of it (§9).
package broker

import (
	"fmt"
	"time"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// RegistrationId is a monotonically assigned, opaque handle returned to
// callers of Register. It is unique for the lifetime of a single Broker
// and stable across push/poll transitions for the same registration (§3).
type RegistrationId uint64

func (id RegistrationId) String() string {
	return fmt.Sprintf("reg-%d", uint64(id))
}

// SpeakerServicePair is the unique key for a registration: a device IP and
// the service subscribed on it (§3). Exported (not just an internal tuple)
// because a consuming application routinely needs to log or key its own
// maps by it.
type SpeakerServicePair struct {
	DeviceIP string
	Service  soap.Service
}

func (p SpeakerServicePair) String() string {
	return fmt.Sprintf("%s/%s", p.DeviceIP, p.Service)
}

// FirewallStatus classifies whether a device's callback NOTIFYs can reach
// this process (§3, §4.D).
type FirewallStatus int

const (
	FirewallUnknown FirewallStatus = iota
	FirewallAccessible
	FirewallBlocked
	FirewallError
)

func (s FirewallStatus) String() string {
	switch s {
	case FirewallAccessible:
		return "accessible"
	case FirewallBlocked:
		return "blocked"
	case FirewallError:
		return "error"
	default:
		return "unknown"
	}
}

// PollingReason explains why polling was activated for a registration.
type PollingReason int

const (
	PollingReasonNone PollingReason = iota
	PollingReasonFirewallBlocked
	PollingReasonEventTimeout
	PollingReasonSubscriptionFailed
	PollingReasonNetworkIssues
)

func (r PollingReason) String() string {
	switch r {
	case PollingReasonFirewallBlocked:
		return "firewall blocked"
	case PollingReasonEventTimeout:
		return "event timeout"
	case PollingReasonSubscriptionFailed:
		return "subscription failed"
	case PollingReasonNetworkIssues:
		return "network issues"
	default:
		return "none"
	}
}

// Subscription is the broker's physical record of a live GENA subscription
// (§3). At most one Subscription exists per SpeakerServicePair at a time.
// PollingActive is not maintained by the broker and stays false; push and
// polling are not kept disjoint (Register starts polling for a device
// already classified Blocked/Error while its new subscription stays live).
type Subscription struct {
	SID           string
	Pair          SpeakerServicePair
	RegistrationId RegistrationId
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastEventAt   time.Time
	PollingActive bool
	// SequenceGaps counts GENA SEQ discontinuities observed on this
	// subscription. Advisory only — UPnP SEQ numbers are unauthenticated
	// and devices are known to skip values across a restart (SPEC_FULL.md
	// supplemented feature 1).
	SequenceGaps int
	lastSeq      int
}

// EventSource tags where an EnrichedEvent originated (§3, §9: "both paths
// terminate in the same consumer channel with a tagged EventSource").
type EventSourceKind int

const (
	SourcePushNotification EventSourceKind = iota
	SourcePolling
	SourceResync
)

type EventSource struct {
	Kind     EventSourceKind
	SID      string        // set when Kind == SourcePushNotification
	Interval time.Duration // set when Kind == SourcePolling
	Reason   string        // set when Kind == SourceResync
}

func (s EventSource) String() string {
	switch s.Kind {
	case SourcePushNotification:
		return "push:" + s.SID
	case SourcePolling:
		return "poll:" + s.Interval.String()
	case SourceResync:
		return "resync:" + s.Reason
	default:
		return "unknown"
	}
}

// EnrichedEvent is the value delivered to consumers through EventIterator
// (§3). Payload is a service-tagged sum: exactly one field on Payload is
// non-nil, matching EnrichedEvent.Service.
type EnrichedEvent struct {
	RegistrationId RegistrationId
	DeviceIP       string
	Service        soap.Service
	Source         EventSource
	Timestamp      time.Time
	Payload        EventPayload

	// Lifecycle carries a non-data lifecycle notice (SubscriptionEstablished,
	// Renewed, Expired, Removed, ParseError) interleaved on the same channel
	// as data events (§5). Zero value means this is a data event.
	Lifecycle LifecycleKind
	// LifecycleDetail carries the SID/service/error context for a
	// lifecycle event; for ParseError it holds the first 100 bytes of the
	// offending XML (§4.H).
	LifecycleDetail string
}

// LifecycleKind enumerates the non-data notices interleaved on the event
// channel (§5).
type LifecycleKind int

const (
	LifecycleNone LifecycleKind = iota
	LifecycleSubscriptionEstablished
	LifecycleSubscriptionRenewed
	LifecycleSubscriptionExpired
	LifecycleSubscriptionRemoved
	LifecycleParseError
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleSubscriptionEstablished:
		return "subscription_established"
	case LifecycleSubscriptionRenewed:
		return "subscription_renewed"
	case LifecycleSubscriptionExpired:
		return "subscription_expired"
	case LifecycleSubscriptionRemoved:
		return "subscription_removed"
	case LifecycleParseError:
		return "parse_error"
	default:
		return "none"
	}
}

// EventPayload is the service-tagged sum of parsed NOTIFY/poll content
// (§4.H). Exactly one field is populated per event, matching the owning
// EnrichedEvent.Service.
type EventPayload struct {
	AVTransport       *AVTransportEvent
	RenderingControl  *RenderingControlEvent
	GroupManagement   *GroupManagementEvent
	DeviceProperties  *DevicePropertiesEvent
	ZoneGroupTopology *ZoneGroupTopologyEvent
}

// AVTransportEvent mirrors the spec.md §4.H AVTransport field table. All
// fields are optional: nil means "absent from this notification", not
// "empty string".
type AVTransportEvent struct {
	TransportState       *string
	TransportStatus      *string
	Speed                *string
	CurrentTrackURI      *string
	TrackDuration        *string
	RelTime              *string
	AbsTime              *string
	RelCount             *string
	AbsCount             *string
	PlayMode             *string
	TrackMetadata        *string
	NextTrackURI         *string
	NextTrackMetadata    *string
	QueueLength          *string
}

// RenderingControlEvent mirrors the spec.md §4.H RenderingControl /
// GroupRenderingControl field table (both services share this shape).
type RenderingControlEvent struct {
	MasterVolume  *string
	LFVolume      *string
	RFVolume      *string
	MasterMute    *string
	LFMute        *string
	RFMute        *string
	Bass          *string
	Treble        *string
	Loudness      *string
	Balance       *string
	OtherChannels map[string]string
}

// GroupManagementEvent mirrors the spec.md §4.H GroupManagement field table.
type GroupManagementEvent struct {
	GroupCoordinatorIsLocal *string
	LocalGroupUUID          *string
	ResetVolumeAfter        *string
}

// DevicePropertiesEvent mirrors the spec.md §4.H DeviceProperties field table.
type DevicePropertiesEvent struct {
	ZoneName        *string
	Icon            *string
	ModelName       *string
	SoftwareVersion *string
	Invisible       *string
}

// ZoneGroupTopologyEvent mirrors the spec.md §4.H ZoneGroupTopology field
// table. The outer NOTIFY's <ZoneGroupState> is doubly XML-encoded; the
// processor entity-decodes once before the inner parse (§4.H, §9).
type ZoneGroupTopologyEvent struct {
	ZoneGroups      []ZoneGroupInfo
	VanishedDevices []string
}

type ZoneGroupInfo struct {
	Coordinator string
	ID          string
	Members     []ZoneMemberInfo
}

type ZoneMemberInfo struct {
	UUID            string
	Location        string
	ZoneName        string
	SoftwareVersion string
	NetworkInfo     string
	Satellites      []string
	Metadata        string
}

// RegistrationResult is returned from Broker.Register (§4.J). The happy
// path is uniform across network environments: registration succeeds with
// an annotation rather than an error. Register does not check that the
// polling fallback actually starts, so a registration whose push and
// polling both fail is neither rolled back nor reported as an error.
type RegistrationResult struct {
	RegistrationId RegistrationId
	FirewallStatus FirewallStatus
	PollingReason  *PollingReason
	WasDuplicate   bool
}

// BrokerStats is a point-in-time snapshot of broker-wide counters (§4.J).
type BrokerStats struct {
	RegisteredCount      int
	ActiveSubscriptions  int
	ActivePollingTasks   int
	EventsDelivered      uint64
	ParseErrors          uint64
	SequenceGaps         uint64
	SubscriptionRenewals uint64
	SubscriptionFailures uint64
	BackgroundTasks      int
}
