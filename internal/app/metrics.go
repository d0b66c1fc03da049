package app

import "sync/atomic"

// Metrics are plain atomic counters; the admin endpoint serves a snapshot.
type Metrics struct {
	RxPackets       atomic.Uint64
	RxBytes         atomic.Uint64
	Forwarded       atomic.Uint64
	DropInvalid     atomic.Uint64
	DropNoChannel   atomic.Uint64
	DropMuted       atomic.Uint64
	DropNoSpeak     atomic.Uint64
	DropTalkerLimit atomic.Uint64
	DropQueueFull   atomic.Uint64

	SessionsActive     atomic.Int64
	SessionsSuperseded atomic.Uint64

	EventsPublished atomic.Uint64
	EventsDead      atomic.Uint64
	PushDrops       atomic.Uint64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"voice_rx_packets":        int64(m.RxPackets.Load()),
		"voice_rx_bytes":          int64(m.RxBytes.Load()),
		"voice_forwarded":         int64(m.Forwarded.Load()),
		"voice_drop_invalid":      int64(m.DropInvalid.Load()),
		"voice_drop_no_channel":   int64(m.DropNoChannel.Load()),
		"voice_drop_muted":        int64(m.DropMuted.Load()),
		"voice_drop_no_speak":     int64(m.DropNoSpeak.Load()),
		"voice_drop_talker_limit": int64(m.DropTalkerLimit.Load()),
		"voice_drop_queue_full":   int64(m.DropQueueFull.Load()),
		"sessions_active":         m.SessionsActive.Load(),
		"sessions_superseded":     int64(m.SessionsSuperseded.Load()),
		"outbox_published":        int64(m.EventsPublished.Load()),
		"outbox_dead":             int64(m.EventsDead.Load()),
		"push_drops":              int64(m.PushDrops.Load()),
	}
}
