// Package callback implements the NOTIFY ingestion side of GENA eventing:
// a small HTTP server bound to a negotiated port and a SID-keyed router
// that hands each NOTIFY body off to whichever consumer owns that
// subscription (§4.C).
package callback

import (
	"sync"

	"github.com/rs/zerolog"
)

// Notification is one parsed-enough NOTIFY delivered to a router
// registrant: SID/sequence/headers already validated by the server, body
// still raw XML for the broker's event processor to decode (§4.H keeps
// parsing out of the callback server entirely).
type Notification struct {
	SID      string
	Seq      int
	NT       string
	NTS      string
	SourceIP string
	Body     []byte
}

// Router dispatches NOTIFYs to per-subscription channels keyed by SID. It
// must never hold its internal lock across a channel send that could
// block indefinitely (§5: "must not hold the router map across a blocking
// call") — every registrant's channel is buffered and a full channel drops
// the notification with a logged warning rather than stalling the HTTP
// handler goroutine that produced it.
type Router struct {
	mu     sync.RWMutex
	routes map[string]chan Notification
	logger zerolog.Logger
}

// NewRouter constructs an empty Router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		routes: make(map[string]chan Notification),
		logger: logger.With().Str("component", "callback_router").Logger(),
	}
}

// Register creates (or replaces) the delivery channel for sid and returns
// it for the caller to read from. bufSize bounds how many NOTIFYs can
// queue before Dispatch starts dropping them for this SID.
func (r *Router) Register(sid string, bufSize int) <-chan Notification {
	if bufSize <= 0 {
		bufSize = 16
	}
	ch := make(chan Notification, bufSize)
	r.mu.Lock()
	if old, ok := r.routes[sid]; ok {
		close(old)
	}
	r.routes[sid] = ch
	r.mu.Unlock()
	return ch
}

// Unregister removes and closes sid's delivery channel. Safe to call even
// if sid was never registered.
func (r *Router) Unregister(sid string) {
	r.mu.Lock()
	ch, ok := r.routes[sid]
	if ok {
		delete(r.routes, sid)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Dispatch routes n to its SID's channel. Returns false if no one is
// registered for n.SID, or if that registrant's buffer is full.
func (r *Router) Dispatch(n Notification) bool {
	r.mu.RLock()
	ch, ok := r.routes[n.SID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- n:
		return true
	default:
		r.logger.Warn().Str("sid", n.SID).Msg("notification buffer full, dropping")
		return false
	}
}

// Has reports whether sid currently has a registered route, used by the
// HTTP handler to distinguish "unknown SID" (404-worthy) from "known SID,
// buffer full" (still a 200 — the device shouldn't be punished for our own
// backpressure).
func (r *Router) Has(sid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[sid]
	return ok
}

// Len reports the number of currently registered routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
