package broker

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// registry is the bidirectional RegistrationId <-> SpeakerServicePair table
// (§4.I). Reads vastly outnumber writes once a device's registrations have
// settled, so both directions use xsync.Map's lock-free tables rather than
// a mutex-guarded map (SPEC_FULL.md DOMAIN STACK: "read-mostly; fine-grained
// reader/writer discipline").
type registry struct {
	byPair *xsync.Map[SpeakerServicePair, RegistrationId]
	byId   *xsync.Map[RegistrationId, SpeakerServicePair]
	nextId atomic.Uint64
	limit  int
}

func newRegistry(limit int) *registry {
	return &registry{
		byPair: xsync.NewMap[SpeakerServicePair, RegistrationId](),
		byId:   xsync.NewMap[RegistrationId, SpeakerServicePair](),
		limit:  limit,
	}
}

// register returns the RegistrationId for pair, creating one if none
// exists yet. wasDuplicate reports whether pair was already registered
// (§4.I: "re-registering an existing pair returns the existing id and
// reports was_duplicate=true rather than erroring").
func (r *registry) register(pair SpeakerServicePair) (id RegistrationId, wasDuplicate bool, err error) {
	if existing, ok := r.byPair.Load(pair); ok {
		return existing, true, nil
	}

	if r.limit > 0 && r.byId.Size() >= r.limit {
		return 0, false, &CapacityError{Resource: "registry", Limit: r.limit}
	}

	candidate := RegistrationId(r.nextId.Add(1))
	actual, loaded := r.byPair.LoadOrStore(pair, candidate)
	if loaded {
		// Lost the race to a concurrent register() for the same pair.
		return actual, true, nil
	}
	r.byId.Store(candidate, pair)
	return candidate, false, nil
}

// unregister removes id and its pair from both tables. Returns the pair
// that was removed, or false if id was unknown.
func (r *registry) unregister(id RegistrationId) (SpeakerServicePair, bool) {
	pair, ok := r.byId.LoadAndDelete(id)
	if !ok {
		return SpeakerServicePair{}, false
	}
	r.byPair.Delete(pair)
	return pair, true
}

func (r *registry) lookupPair(id RegistrationId) (SpeakerServicePair, bool) {
	return r.byId.Load(id)
}

func (r *registry) lookupId(pair SpeakerServicePair) (RegistrationId, bool) {
	return r.byPair.Load(pair)
}

func (r *registry) size() int {
	return r.byId.Size()
}

// forEach iterates every live registration. fn returning false stops the
// iteration early, mirroring xsync.Map.Range's own contract.
func (r *registry) forEach(fn func(RegistrationId, SpeakerServicePair) bool) {
	r.byId.Range(fn)
}
