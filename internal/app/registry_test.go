package app

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

func newTestRegistry() (*Registry, *Router, *Metrics) {
	m := NewMetrics()
	r := NewRouter(m, 400*time.Millisecond, 4)
	return NewRegistry(r, m), r, m
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _, m := newTestRegistry()
	user := domain.UserID(uuid.New())
	sess, _, _ := newTestSession(user, 4)

	reg.Register(sess)

	got, ok := reg.Lookup(user)
	require.True(t, ok)
	assert.Same(t, sess, got)

	byID, ok := reg.LookupByID(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, byID)

	assert.Equal(t, int64(1), m.SessionsActive.Load())
}

func TestRegisterSupersedesOlderSession(t *testing.T) {
	reg, router, m := newTestRegistry()
	user := domain.UserID(uuid.New())
	ch := domain.NewChannelID()

	first, push1, conn1 := newTestSession(user, 4)
	reg.Register(first)
	reg.SetChannel(first, ch)

	second, _, _ := newTestSession(user, 4)
	reg.Register(second)

	// The old session was told why and closed.
	frames := push1.Frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, protocol.TypeError, frames[len(frames)-1].Type)
	var body protocol.ErrorBody
	require.NoError(t, frames[len(frames)-1].Decode(&body))
	assert.Equal(t, protocol.CodeSuperseded, body.Code)
	assert.True(t, push1.Closed())
	assert.Equal(t, protocol.CodeSuperseded, conn1.code)

	// The new session is the only one visible, and the old one no longer
	// occupies the channel.
	got, ok := reg.Lookup(user)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Empty(t, router.Members(ch))

	assert.Equal(t, int64(1), m.SessionsActive.Load())
	assert.Equal(t, uint64(1), m.SessionsSuperseded.Load())
}

func TestSetChannelMovesBetweenRouterSets(t *testing.T) {
	reg, router, _ := newTestRegistry()
	sess, _, _ := newTestSession(domain.UserID(uuid.New()), 4)
	reg.Register(sess)

	ch1 := domain.NewChannelID()
	ch2 := domain.NewChannelID()

	reg.SetChannel(sess, ch1)
	assert.Len(t, router.Members(ch1), 1)

	reg.SetChannel(sess, ch2)
	assert.Empty(t, router.Members(ch1))
	assert.Len(t, router.Members(ch2), 1)

	got, in := sess.Channel()
	require.True(t, in)
	assert.Equal(t, ch2, got)

	reg.SetChannel(sess, domain.ChannelID{})
	assert.Empty(t, router.Members(ch2))
	_, in = sess.Channel()
	assert.False(t, in)
}

func TestDropIsIdempotentAndDetachesRouter(t *testing.T) {
	reg, router, m := newTestRegistry()
	sess, _, _ := newTestSession(domain.UserID(uuid.New()), 4)
	reg.Register(sess)

	ch := domain.NewChannelID()
	reg.SetChannel(sess, ch)

	reg.Drop(sess)
	assert.Empty(t, router.Members(ch))
	_, ok := reg.Lookup(sess.User)
	assert.False(t, ok)
	assert.Equal(t, int64(0), m.SessionsActive.Load())

	// Second drop is a no-op.
	reg.Drop(sess)
	assert.Equal(t, int64(0), m.SessionsActive.Load())
}

func TestEnumerateChannel(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ch := domain.NewChannelID()

	a, _, _ := newTestSession(domain.UserID(uuid.New()), 4)
	b, _, _ := newTestSession(domain.UserID(uuid.New()), 4)
	reg.Register(a)
	reg.Register(b)
	reg.SetChannel(a, ch)
	reg.SetChannel(b, ch)

	assert.Len(t, reg.EnumerateChannel(ch), 2)
}
