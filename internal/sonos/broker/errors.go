package broker

import (
	"errors"
	"fmt"
)

// BrokerErrorKind classifies failures the broker can surface, grouped the
// way a caller actually needs to react to them (§7): transient failures are
// worth retrying, permanent ones are not, parse/capacity failures are
// reported but never abort an in-flight registration.
type BrokerErrorKind int

const (
	BrokerErrUnknown BrokerErrorKind = iota
	// Transient: device unreachable, timeout, temporary SOAP fault.
	BrokerErrTransient
	// Permanent: device rejected the subscription outright, or the
	// registration target no longer exists.
	BrokerErrPermanent
	// Parse: a NOTIFY or poll response could not be decoded. Always
	// surfaced as a lifecycle event, never as a registration failure.
	BrokerErrParse
	// Capacity: the registry or callback port range is exhausted.
	BrokerErrCapacity
)

func (k BrokerErrorKind) String() string {
	switch k {
	case BrokerErrTransient:
		return "transient"
	case BrokerErrPermanent:
		return "permanent"
	case BrokerErrParse:
		return "parse"
	case BrokerErrCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// BrokerError is the broker-level error taxonomy (§7). It wraps the
// soap-level ApiError (or a plain error) and attaches the registration
// context so callers never need to re-derive which device/service failed.
type BrokerError struct {
	Kind    BrokerErrorKind
	Pair    SpeakerServicePair
	Reason  string
	Wrapped error
}

func (e *BrokerError) Error() string {
	if e.Pair.DeviceIP == "" {
		return fmt.Sprintf("broker: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("broker: %s: %s (%s)", e.Kind, e.Reason, e.Pair)
}

func (e *BrokerError) Unwrap() error {
	return e.Wrapped
}

// CapacityError reports that the registration table is full (§4.I).
// Callback port exhaustion is reported as *callback.ErrNoPortAvailable
// instead, and the firewall cache evicts by LRU rather than failing.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("broker: %s at capacity (limit %d)", e.Resource, e.Limit)
}

// ErrRegistrationNotFound is returned by Unregister/lookups for an id that
// was never issued or has already been removed.
var ErrRegistrationNotFound = errors.New("broker: registration not found")

// ErrAlreadyShutdown is returned by any broker method called after Shutdown.
var ErrAlreadyShutdown = errors.New("broker: already shut down")

// IsTransient reports whether err (or anything it wraps) is a BrokerError
// of kind Transient — the only category worth a caller-level retry.
func IsTransient(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == BrokerErrTransient
	}
	return false
}

// IsCapacity reports whether err (or anything it wraps) signals a bounded
// resource is exhausted.
func IsCapacity(err error) bool {
	var ce *CapacityError
	if errors.As(err, &ce) {
		return true
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == BrokerErrCapacity
	}
	return false
}
