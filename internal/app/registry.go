package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/core"
	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

// Registry holds every live session of this gateway process.
// A user has at most one session per process; a second authentication
// displaces the first.
type Registry struct {
	router  *Router
	metrics *Metrics

	mu     sync.RWMutex
	byUser map[domain.UserID]*core.Session
	byID   map[core.SessionID]*core.Session
}

func NewRegistry(router *Router, metrics *Metrics) *Registry {
	return &Registry{
		router:  router,
		metrics: metrics,
		byUser:  make(map[domain.UserID]*core.Session),
		byID:    make(map[core.SessionID]*core.Session),
	}
}

// Register makes the session visible, displacing any older session of the
// same user. The displaced session is told why and fully removed before the
// new one becomes visible.
func (r *Registry) Register(sess *core.Session) {
	r.mu.Lock()
	old := r.byUser[sess.User]
	if old != nil {
		delete(r.byUser, old.User)
		delete(r.byID, old.ID)
	}
	r.byUser[sess.User] = sess
	r.byID[sess.ID] = sess
	r.mu.Unlock()

	if old != nil {
		r.router.Remove(old)
		f, err := protocol.NewFrame(protocol.TypeError, 0, protocol.ErrorBody{
			Code:    protocol.CodeSuperseded,
			Message: "signed in from another connection",
		})
		if err == nil {
			_ = old.Push(f)
		}
		old.Close(protocol.CodeSuperseded, "superseded")
		// The old session is already out of the maps, so its own Drop will
		// not decrement the gauge.
		r.metrics.SessionsActive.Add(-1)
		r.metrics.SessionsSuperseded.Add(1)
		log.Info().Str("module", "app.registry").Str("user", sess.User.String()).Msg("session superseded")
	}
	r.metrics.SessionsActive.Add(1)
	log.Info().Str("module", "app.registry").Str("sid", string(sess.ID)).Str("user", sess.User.String()).Msg("session registered")
}

func (r *Registry) Lookup(user domain.UserID) (*core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[user]
	return s, ok
}

func (r *Registry) LookupByID(id core.SessionID) (*core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// SetChannel atomically moves the session between router channel sets.
// Passing the zero ChannelID clears the current channel.
func (r *Registry) SetChannel(sess *core.Session, channel domain.ChannelID) {
	if channel.IsZero() {
		r.router.Remove(sess)
		sess.SetChannel(channel, false)
		return
	}
	r.router.Move(sess, channel)
	sess.SetChannel(channel, true)
}

// Drop removes the session everywhere. Idempotent; always detaches from the
// router even on abnormal termination paths.
func (r *Registry) Drop(sess *core.Session) {
	r.router.Remove(sess)

	r.mu.Lock()
	removed := false
	if cur, ok := r.byUser[sess.User]; ok && cur == sess {
		delete(r.byUser, sess.User)
		removed = true
	}
	delete(r.byID, sess.ID)
	r.mu.Unlock()

	if removed {
		r.metrics.SessionsActive.Add(-1)
		log.Info().Str("module", "app.registry").Str("sid", string(sess.ID)).Msg("session dropped")
	}
}

// EnumerateChannel snapshots the sessions currently occupying channel.
func (r *Registry) EnumerateChannel(channel domain.ChannelID) []*core.Session {
	return r.router.Members(channel)
}
