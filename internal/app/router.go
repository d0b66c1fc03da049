package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/core"
	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

// channelSet is the in-memory membership of one channel plus its talker
// bookkeeping. Talker state is updated on the forwarding path and cleared when
// a member is removed; it shares the channel lock.
type channelSet struct {
	mu         sync.RWMutex
	members    map[core.SessionID]*core.Session
	maxTalkers int
	talkers    map[domain.UserID]time.Time
}

// Router owns the channel → members topology and fans datagrams out.
// Membership changes are rare relative to frames; forwarding takes only
// locks of the sender's channel (briefly exclusive for talker admission, then
// shared for fan-out) and never blocks on a slow receiver.
type Router struct {
	metrics      *Metrics
	policy       Policy
	talkerWindow time.Duration
	defaultCap   int

	mu       sync.RWMutex
	channels map[domain.ChannelID]*channelSet

	// now is replaceable in tests.
	now func() time.Time
}

func NewRouter(metrics *Metrics, talkerWindow time.Duration, defaultMaxTalkers int) *Router {
	return &Router{
		metrics:      metrics,
		policy:       DropPolicy{},
		talkerWindow: talkerWindow,
		defaultCap:   defaultMaxTalkers,
		channels:     make(map[domain.ChannelID]*channelSet),
		now:          time.Now,
	}
}

func (r *Router) getOrCreate(id domain.ChannelID) *channelSet {
	r.mu.RLock()
	cs, ok := r.channels[id]
	r.mu.RUnlock()
	if ok {
		return cs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok = r.channels[id]; ok {
		return cs
	}
	cs = &channelSet{
		members:    make(map[core.SessionID]*core.Session),
		maxTalkers: r.defaultCap,
		talkers:    make(map[domain.UserID]time.Time),
	}
	r.channels[id] = cs
	return cs
}

// SetMaxTalkers pins the talker cap for a channel (from its row; zero means
// the configured default).
func (r *Router) SetMaxTalkers(id domain.ChannelID, max int) {
	if max <= 0 {
		max = r.defaultCap
	}
	cs := r.getOrCreate(id)
	cs.mu.Lock()
	cs.maxTalkers = max
	cs.mu.Unlock()
}

// Move inserts the session into channel, removing it from any previous one.
func (r *Router) Move(sess *core.Session, channel domain.ChannelID) {
	r.Remove(sess)
	cs := r.getOrCreate(channel)
	cs.mu.Lock()
	cs.members[sess.ID] = sess
	cs.mu.Unlock()
	log.Debug().Str("module", "app.router").Str("sid", string(sess.ID)).Str("channel", channel.String()).Msg("member added")
}

// Remove detaches the session from its current channel set, if any.
func (r *Router) Remove(sess *core.Session) {
	ch, ok := sess.Channel()
	if !ok {
		return
	}
	r.mu.RLock()
	cs := r.channels[ch]
	r.mu.RUnlock()
	if cs == nil {
		return
	}
	cs.mu.Lock()
	delete(cs.members, sess.ID)
	delete(cs.talkers, sess.User)
	cs.mu.Unlock()
}

// Members snapshots the sessions in channel.
func (r *Router) Members(channel domain.ChannelID) []*core.Session {
	r.mu.RLock()
	cs := r.channels[channel]
	r.mu.RUnlock()
	if cs == nil {
		return nil
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*core.Session, 0, len(cs.members))
	for _, s := range cs.members {
		out = append(out, s)
	}
	return out
}

// Forward fans one voice datagram out to every other non-deafened member of
// the sender's channel. The datagram slice is shared between receivers as a
// read-only view; nothing on this path copies the payload.
func (r *Router) Forward(sender *core.Session, datagram []byte) {
	r.metrics.RxPackets.Add(1)
	r.metrics.RxBytes.Add(uint64(len(datagram)))

	hdr, _, err := protocol.ParseVoice(datagram)
	if err != nil {
		r.metrics.DropInvalid.Add(1)
		return
	}

	channel, ok := sender.Channel()
	if !ok {
		r.metrics.DropNoChannel.Add(1)
		return
	}
	if hdr.ChannelID != channel || hdr.SenderID != sender.User {
		r.metrics.DropInvalid.Add(1)
		return
	}
	if sender.Muted() {
		r.metrics.DropMuted.Add(1)
		return
	}
	if !sender.HasCap(domain.CapChannelSpeak) {
		r.metrics.DropNoSpeak.Add(1)
		return
	}

	r.mu.RLock()
	cs := r.channels[channel]
	r.mu.RUnlock()
	if cs == nil {
		r.metrics.DropNoChannel.Add(1)
		return
	}

	if !cs.admitTalker(sender.User, r.now(), r.talkerWindow) {
		r.metrics.DropTalkerLimit.Add(1)
		return
	}

	cs.mu.RLock()
	fanout := 0
	var slow []*core.Session
	for id, member := range cs.members {
		if id == sender.ID {
			continue
		}
		if member.Deafened() {
			continue
		}
		if !member.TryEnqueueVoice(datagram) {
			r.metrics.DropQueueFull.Add(1)
			if r.policy.OnBackPressure(member, member.VoiceDrops()) == KickMember {
				slow = append(slow, member)
			}
			continue
		}
		fanout++
	}
	cs.mu.RUnlock()

	// Evictions happen outside the channel read lock.
	for _, member := range slow {
		log.Warn().Str("module", "app.router").Str("sid", string(member.ID)).Msg("evicting slow receiver")
		member.Close(protocol.CodeServerBusy, "receive queue overflow")
	}

	if fanout > 0 {
		r.metrics.Forwarded.Add(1)
	}
}

// SetPolicy replaces the backpressure policy; call before serving.
func (r *Router) SetPolicy(p Policy) {
	if p != nil {
		r.policy = p
	}
}

// admitTalker applies the concurrent-talker cap. A sender already inside the
// talking window stays admitted; a new talker is admitted only while the
// number of active talkers is below the cap. Expired entries are pruned on
// the way through.
func (cs *channelSet) admitTalker(user domain.UserID, now time.Time, window time.Duration) bool {
	cutoff := now.Add(-window)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	for uid, last := range cs.talkers {
		if last.Before(cutoff) {
			delete(cs.talkers, uid)
		}
	}
	if _, talking := cs.talkers[user]; talking {
		cs.talkers[user] = now
		return true
	}
	if len(cs.talkers) >= cs.maxTalkers {
		return false
	}
	cs.talkers[user] = now
	return true
}
