package app

import "github.com/dkeye/Chorus/internal/core"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a receiver whose datagram queue overflows.
type Policy interface {
	OnBackPressure(member *core.Session, drops uint64) BackpressureAction
}

// DropPolicy keeps dropping frames forever: the gateway's job is low-latency
// fan-out, and a lossy receiver hurts only itself.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*core.Session, uint64) BackpressureAction { return DropFrame }

// EvictPolicy kicks a receiver once its cumulative drop count passes a
// threshold, freeing channel capacity for live listeners.
type EvictPolicy struct {
	MaxDrops uint64
}

func (p EvictPolicy) OnBackPressure(member *core.Session, drops uint64) BackpressureAction {
	if p.MaxDrops > 0 && drops >= p.MaxDrops {
		return KickMember
	}
	return DropFrame
}
