package authz

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/domain"
)

type cacheKey struct {
	user    domain.UserID
	channel domain.ChannelID
}

// Resolver answers capability checks from cached snapshots, falling back to
// the Source on miss. Invalidation is driven by role/override mutation events
// from the outbox; stale snapshots live at most one lease interval.
type Resolver struct {
	src Source

	mu    sync.RWMutex
	cache map[cacheKey]RuleSet
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src, cache: make(map[cacheKey]RuleSet)}
}

// Permitted reports whether every capability resolves to Allow.
func (r *Resolver) Permitted(ctx context.Context, user domain.UserID, channel domain.ChannelID, caps ...domain.Capability) (bool, error) {
	rs, err := r.rules(ctx, user, channel)
	if err != nil {
		return false, err
	}
	for _, c := range caps {
		if rs.Decide(c) != Allow {
			return false, nil
		}
	}
	return true, nil
}

// Snapshot returns the granted subset of KnownCapabilities, for per-session
// caching on the hot path.
func (r *Resolver) Snapshot(ctx context.Context, user domain.UserID, channel domain.ChannelID) ([]domain.Capability, error) {
	rs, err := r.rules(ctx, user, channel)
	if err != nil {
		return nil, err
	}
	return rs.Granted(KnownCapabilities), nil
}

// Invalidate drops every cached snapshot for user.
func (r *Resolver) Invalidate(user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.user == user {
			delete(r.cache, k)
		}
	}
	log.Debug().Str("module", "authz").Str("user", user.String()).Msg("capability cache invalidated")
}

func (r *Resolver) rules(ctx context.Context, user domain.UserID, channel domain.ChannelID) (RuleSet, error) {
	key := cacheKey{user: user, channel: channel}

	r.mu.RLock()
	rs, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return rs, nil
	}

	rs, err := r.src.ResolveEffectiveCapabilities(ctx, user, channel)
	if err != nil {
		return RuleSet{}, err
	}
	r.mu.Lock()
	r.cache[key] = rs
	r.mu.Unlock()
	return rs, nil
}
