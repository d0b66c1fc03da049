package core

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

// Session binds an authenticated identity to its transport endpoints.
// This is what the router stores and fans out to.
type Session struct {
	ID   SessionID
	User domain.UserID

	push ControlPush
	conn Conn

	// voice is the bounded outbound datagram queue. The connection's
	// forwarder task drains it; the router try-enqueues and never blocks.
	voice chan []byte

	voiceDrops atomic.Uint64

	mu          sync.RWMutex
	displayName string
	channel     domain.ChannelID
	inChannel   bool
	muted       bool
	deafened    bool
	caps        map[domain.Capability]struct{}

	closeOnce sync.Once
}

func NewSession(id SessionID, user domain.UserID, displayName string, push ControlPush, conn Conn, queueDepth int) *Session {
	return &Session{
		ID:          id,
		User:        user,
		push:        push,
		conn:        conn,
		displayName: displayName,
		voice:       make(chan []byte, queueDepth),
		caps:        make(map[domain.Capability]struct{}),
	}
}

func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

func (s *Session) Channel() (domain.ChannelID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel, s.inChannel
}

// SetChannel is called by the registry only; it keeps the session's view in
// step with the router's membership sets.
func (s *Session) SetChannel(ch domain.ChannelID, in bool) {
	s.mu.Lock()
	s.channel = ch
	s.inChannel = in
	s.mu.Unlock()
}

func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

func (s *Session) Deafened() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deafened
}

func (s *Session) SetVoiceState(muted, deafened bool) {
	s.mu.Lock()
	s.muted = muted
	s.deafened = deafened
	s.mu.Unlock()
}

// SetCaps replaces the cached capability snapshot.
func (s *Session) SetCaps(caps []domain.Capability) {
	set := make(map[domain.Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	s.mu.Lock()
	s.caps = set
	s.mu.Unlock()
}

func (s *Session) HasCap(c domain.Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caps[c]
	return ok
}

// TryEnqueueVoice offers a shared view of the datagram to this receiver.
// Returns false when the bounded queue is full; the frame is dropped, never
// buffered elsewhere.
func (s *Session) TryEnqueueVoice(datagram []byte) bool {
	select {
	case s.voice <- datagram:
		return true
	default:
		s.voiceDrops.Add(1)
		return false
	}
}

// VoiceQueue is drained by the connection's datagram forwarder task.
func (s *Session) VoiceQueue() <-chan []byte { return s.voice }

func (s *Session) VoiceDrops() uint64 { return s.voiceDrops.Load() }

// Push enqueues a server-push control frame; drops on backpressure.
func (s *Session) Push(f *protocol.Frame) error { return s.push.TrySendFrame(f) }

// Close tears the transport down once, with a reason the client can act on.
func (s *Session) Close(code protocol.ErrorCode, reason string) {
	s.closeOnce.Do(func() {
		s.push.Close()
		if s.conn != nil {
			s.conn.Close(code, reason)
		}
	})
}

// Conn exposes the raw transport handle for the datagram forwarder.
func (s *Session) Conn() Conn { return s.conn }
