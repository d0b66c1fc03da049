// Package control runs the framed request/response protocol on each
// connection's control stream and bridges it to the store, the authorizer
// and the in-memory forwarding topology.
package control

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/app"
	"github.com/dkeye/Chorus/internal/auth"
	"github.com/dkeye/Chorus/internal/authz"
	"github.com/dkeye/Chorus/internal/config"
	"github.com/dkeye/Chorus/internal/core"
	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

// Backend is the slice of the store the controller needs. The SQL store
// implements it.
type Backend interface {
	CreateChannel(ctx context.Context, actor domain.UserID, ch *domain.Channel) error
	GetChannel(ctx context.Context, id domain.ChannelID) (*domain.Channel, error)
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	AddMember(ctx context.Context, m *domain.Member) error
	RemoveMember(ctx context.Context, channel domain.ChannelID, user domain.UserID) error
	SetMute(ctx context.Context, actor domain.UserID, channel domain.ChannelID, target domain.UserID, muted bool) error
	SetDeafen(ctx context.Context, actor domain.UserID, channel domain.ChannelID, target domain.UserID, deafened bool) error
	MoveMember(ctx context.Context, actor domain.UserID, from, to domain.ChannelID, target domain.UserID) error
	GetMember(ctx context.Context, channel domain.ChannelID, user domain.UserID) (*domain.Member, error)
	ListMembers(ctx context.Context, channel domain.ChannelID) ([]domain.Member, error)
	PostChat(ctx context.Context, msg *domain.ChatMessage) error
	ListRecentChat(ctx context.Context, channel domain.ChannelID, limit int) ([]domain.ChatMessage, error)
}

type Controller struct {
	cfg      *config.Config
	store    Backend
	resolver *authz.Resolver
	registry *app.Registry
	router   *app.Router
	metrics  *app.Metrics
	auth     auth.Provider
	server   domain.ServerID
}

func NewController(cfg *config.Config, store Backend, resolver *authz.Resolver, registry *app.Registry, router *app.Router, metrics *app.Metrics, provider auth.Provider, server domain.ServerID) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		registry: registry,
		router:   router,
		metrics:  metrics,
		auth:     provider,
		server:   server,
	}
}

// streamConn owns the control stream's write side. Pushes are enqueued
// non-blocking; the writePump is the single writer.
type streamConn struct {
	stream io.ReadWriteCloser
	send   chan *protocol.Frame

	mu     sync.RWMutex
	closed bool
}

func newStreamConn(stream io.ReadWriteCloser) *streamConn {
	return &streamConn{stream: stream, send: make(chan *protocol.Frame, 64)}
}

func (c *streamConn) TrySendFrame(f *protocol.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrBackpressure
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Close stops accepting frames. The writePump drains what was already
// enqueued (a superseded notice, a final error) and closes the stream after.
func (c *streamConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

func (c *Controller) writePump(ctx context.Context, sc *streamConn) {
	defer func() { _ = sc.stream.Close() }()
	for {
		var f *protocol.Frame
		var ok bool
		select {
		case <-ctx.Done():
			// Frames enqueued before cancellation are still written.
			select {
			case f, ok = <-sc.send:
			default:
				return
			}
		case f, ok = <-sc.send:
		}
		if !ok {
			return
		}
		if d, canDeadline := sc.stream.(writeDeadliner); canDeadline {
			if err := d.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Debug().Err(err).Str("module", "control").Msg("writePump set deadline")
				return
			}
		}
		if err := protocol.WriteFrame(sc.stream, f); err != nil {
			log.Debug().Err(err).Str("module", "control").Msg("writePump write error")
			return
		}
	}
}

func (c *Controller) readPump(ctx context.Context, stream io.Reader, frames chan<- *protocol.Frame, readErr chan<- error) {
	for {
		f, err := protocol.ReadFrame(stream, protocol.DefaultMaxFrameBytes)
		if err != nil {
			select {
			case readErr <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// HandleConn owns the whole lifetime of one accepted connection: handshake,
// control loop and the two datagram tasks. It returns when the connection is
// gone and every session resource is released.
func (c *Controller) HandleConn(ctx context.Context, conn core.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptCtx, acceptCancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	stream, err := conn.AcceptControlStream(acceptCtx)
	acceptCancel()
	if err != nil {
		conn.Close(protocol.CodeUnauthenticated, "no control stream")
		return
	}

	sc := newStreamConn(stream)
	go c.writePump(ctx, sc)

	frames := make(chan *protocol.Frame)
	readErr := make(chan error, 1)
	go c.readPump(ctx, stream, frames, readErr)

	sess, err := c.authenticate(ctx, conn, sc, frames, readErr)
	if err != nil {
		log.Info().Err(err).Str("module", "control").Str("remote", conn.RemoteAddr()).Msg("handshake failed")
		sc.Close()
		conn.Close(protocol.CodeUnauthenticated, "authentication failed")
		return
	}
	log.Info().Str("module", "control").Str("sid", string(sess.ID)).Str("user", sess.User.String()).Msg("authenticated")

	defer func() {
		// Drop is idempotent and always detaches the router, so abnormal
		// exits cannot leak a forwarding slot.
		c.registry.Drop(sess)
		sess.Close(protocol.CodeInternal, "connection closed")
	}()

	go c.datagramReadLoop(ctx, cancel, conn, sess)
	go c.datagramWriteLoop(ctx, conn, sess)

	c.controlLoop(ctx, sess, frames, readErr)
}

func (c *Controller) authenticate(ctx context.Context, conn core.Conn, sc *streamConn, frames <-chan *protocol.Frame, readErr <-chan error) (*core.Session, error) {
	deadline := time.NewTimer(c.cfg.AuthTimeout)
	defer deadline.Stop()

	var f *protocol.Frame
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-readErr:
		return nil, err
	case <-deadline.C:
		return nil, context.DeadlineExceeded
	case f = <-frames:
	}

	if f.Type != protocol.TypeAuthRequest {
		return nil, domain.ErrUnauthenticated
	}
	var req protocol.AuthRequest
	if err := f.Decode(&req); err != nil {
		return nil, err
	}

	uid, err := c.auth.Verify(req.Token)
	if err != nil {
		resp, _ := protocol.NewFrame(protocol.TypeError, f.Corr, protocol.ErrorBody{
			Code:    protocol.CodeUnauthenticated,
			Message: "invalid token",
		})
		_ = sc.TrySendFrame(resp)
		return nil, domain.ErrUnauthenticated
	}

	caps, err := c.resolver.Snapshot(ctx, uid, domain.ChannelID{})
	if err != nil {
		return nil, err
	}

	sess := core.NewSession(core.SessionID(uuid.NewString()), uid, "", sc, conn, c.cfg.ReceiverQueueDepth)
	sess.SetCaps(caps)
	c.registry.Register(sess)

	resp, err := protocol.NewFrame(protocol.TypeAuthResponse, f.Corr, protocol.AuthResponse{
		UserID:         uid,
		ServerID:       c.server,
		Caps:           caps,
		MaxFrameBytes:  protocol.DefaultMaxFrameBytes,
		PingIntervalMS: int(c.cfg.KeepaliveTimeout.Milliseconds() / 3),
	})
	if err != nil {
		c.registry.Drop(sess)
		return nil, err
	}
	if err := sc.TrySendFrame(resp); err != nil {
		c.registry.Drop(sess)
		return nil, err
	}
	return sess, nil
}

func (c *Controller) controlLoop(ctx context.Context, sess *core.Session, frames <-chan *protocol.Frame, readErr <-chan error) {
	keepalive := time.NewTimer(c.cfg.KeepaliveTimeout)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			log.Debug().Err(err).Str("module", "control").Str("sid", string(sess.ID)).Msg("control stream closed")
			return
		case <-keepalive.C:
			log.Info().Str("module", "control").Str("sid", string(sess.ID)).Msg("keepalive timeout")
			sess.Close(protocol.CodeInternal, "keepalive timeout")
			return
		case f := <-frames:
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(c.cfg.KeepaliveTimeout)
			c.dispatch(ctx, sess, f)
		}
	}
}

func (c *Controller) datagramReadLoop(ctx context.Context, cancel context.CancelFunc, conn core.Conn, sess *core.Session) {
	for {
		dg, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			cancel()
			return
		}
		c.router.Forward(sess, dg)
	}
}

func (c *Controller) datagramWriteLoop(ctx context.Context, conn core.Conn, sess *core.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg := <-sess.VoiceQueue():
			// Datagrams are fire-and-forget; a send error here means the
			// connection is going away and the read loop will notice.
			_ = conn.SendDatagram(dg)
		}
	}
}
