// Package authz resolves (user, channel, capability) to allow/deny.
// Precedence: channel override beats role; within a tier deny beats grant;
// undecided is treated as deny by callers.
package authz

import (
	"context"

	"github.com/dkeye/Chorus/internal/domain"
)

type Decision int

const (
	Undecided Decision = iota
	Allow
	Deny
)

// RuleSet is the raw material a decision is made from: the override tier and
// the role tier, already filtered to one (user, channel).
type RuleSet struct {
	Overrides []domain.CapabilityRule
	RoleRules []domain.CapabilityRule
}

// Decide composes the tiers for one capability. Pure: identical inputs yield
// identical output.
func (rs RuleSet) Decide(capability domain.Capability) Decision {
	if d := decideTier(rs.Overrides, capability); d != Undecided {
		return d
	}
	return decideTier(rs.RoleRules, capability)
}

func decideTier(rules []domain.CapabilityRule, capability domain.Capability) Decision {
	d := Undecided
	for _, r := range rules {
		if r.Capability != capability {
			continue
		}
		if r.Effect == domain.EffectDeny {
			return Deny
		}
		d = Allow
	}
	return d
}

// Granted returns every capability from caps the rule set allows.
func (rs RuleSet) Granted(caps []domain.Capability) []domain.Capability {
	out := make([]domain.Capability, 0, len(caps))
	for _, c := range caps {
		if rs.Decide(c) == Allow {
			out = append(out, c)
		}
	}
	return out
}

// KnownCapabilities are the ones the gateway itself checks. The stored set is
// open; unknown capabilities simply never match a gateway check.
var KnownCapabilities = []domain.Capability{
	domain.CapChannelJoin,
	domain.CapChannelSpeak,
	domain.CapChannelModerate,
	domain.CapChannelManage,
	domain.CapChatPost,
}

// Source loads rule sets; implemented by the store.
type Source interface {
	ResolveEffectiveCapabilities(ctx context.Context, user domain.UserID, channel domain.ChannelID) (RuleSet, error)
}
