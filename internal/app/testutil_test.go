package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Chorus/internal/core"
	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

type fakePush struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	closed bool
}

func (p *fakePush) TrySendFrame(f *protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrBackpressure
	}
	p.frames = append(p.frames, f)
	return nil
}

func (p *fakePush) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePush) Frames() []*protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Frame, len(p.frames))
	copy(out, p.frames)
	return out
}

func (p *fakePush) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	code   protocol.ErrorCode
}

func (c *fakeConn) AcceptControlStream(context.Context) (io.ReadWriteCloser, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) SendDatagram(b []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, b)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) RemoteAddr() string { return "fake:0" }

func (c *fakeConn) Close(code protocol.ErrorCode, _ string) {
	c.mu.Lock()
	c.closed = true
	c.code = code
	c.mu.Unlock()
}

func newTestSession(user domain.UserID, depth int) (*core.Session, *fakePush, *fakeConn) {
	push := &fakePush{}
	conn := &fakeConn{}
	sess := core.NewSession(core.SessionID(uuid.NewString()), user, "tester", push, conn, depth)
	return sess, push, conn
}

func speakingCaps() []domain.Capability {
	return []domain.Capability{domain.CapChannelJoin, domain.CapChannelSpeak, domain.CapChatPost}
}

func voiceFrom(sess *core.Session, channel domain.ChannelID, seq uint32) []byte {
	return protocol.AppendVoice(nil, protocol.VoiceHeader{
		ChannelID:   channel,
		SenderID:    sess.User,
		Sequence:    seq,
		TimestampMS: uint32(time.Now().UnixMilli()),
	}, []byte("frame"))
}

func drainVoice(sess *core.Session) [][]byte {
	var out [][]byte
	for {
		select {
		case dg := <-sess.VoiceQueue():
			out = append(out, dg)
		default:
			return out
		}
	}
}
