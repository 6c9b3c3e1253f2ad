package callback

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatchDeliversToRegisteredSID(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	ch := r.Register("sid-1", 4)

	ok := r.Dispatch(Notification{SID: "sid-1", Body: []byte("x")})
	require.True(t, ok)

	select {
	case n := <-ch:
		assert.Equal(t, "sid-1", n.SID)
	default:
		t.Fatal("expected notification on channel")
	}
}

func TestRouterDispatchUnknownSIDReturnsFalse(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	ok := r.Dispatch(Notification{SID: "unknown"})
	assert.False(t, ok)
}

func TestRouterDispatchFullBufferDropsAndReturnsFalse(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	r.Register("sid-1", 1)

	assert.True(t, r.Dispatch(Notification{SID: "sid-1"}))
	assert.False(t, r.Dispatch(Notification{SID: "sid-1"}))
}

func TestRouterRegisterReplacesAndClosesOldChannel(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	old := r.Register("sid-1", 1)
	_ = r.Register("sid-1", 1)

	_, ok := <-old
	assert.False(t, ok, "old channel should be closed on replacement")
}

func TestRouterUnregisterClosesChannelAndRemovesRoute(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	ch := r.Register("sid-1", 1)
	assert.True(t, r.Has("sid-1"))

	r.Unregister("sid-1")
	assert.False(t, r.Has("sid-1"))

	_, ok := <-ch
	assert.False(t, ok)
}

func TestRouterUnregisterUnknownSIDIsNoOp(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	assert.NotPanics(t, func() { r.Unregister("never-registered") })
}

func TestRouterLen(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	assert.Equal(t, 0, r.Len())
	r.Register("sid-1", 1)
	r.Register("sid-2", 1)
	assert.Equal(t, 2, r.Len())
}
