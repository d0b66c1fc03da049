package control

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Chorus/internal/adapters/store"
	"github.com/dkeye/Chorus/internal/app"
	"github.com/dkeye/Chorus/internal/auth"
	"github.com/dkeye/Chorus/internal/authz"
	"github.com/dkeye/Chorus/internal/config"
	"github.com/dkeye/Chorus/internal/core"
	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

type fakeCtrlConn struct {
	stream io.ReadWriteCloser

	mu     sync.Mutex
	closed bool
	code   protocol.ErrorCode
}

func (c *fakeCtrlConn) AcceptControlStream(context.Context) (io.ReadWriteCloser, error) {
	return c.stream, nil
}

func (c *fakeCtrlConn) SendDatagram([]byte) error { return nil }

func (c *fakeCtrlConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeCtrlConn) RemoteAddr() string { return "pipe:0" }

// Close records the reason; the control stream itself is torn down by the
// writePump, mirroring how a QUIC CONNECTION_CLOSE trails the final frames.
func (c *fakeCtrlConn) Close(code protocol.ErrorCode, _ string) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.code = code
	}
	c.mu.Unlock()
}

func (c *fakeCtrlConn) state() (bool, protocol.ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

type gatewayFixture struct {
	ctl      *Controller
	st       *store.Store
	registry *app.Registry
	router   *app.Router
	provider *auth.JWTProvider
	server   domain.ServerID
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	server := domain.ServerID(uuid.New())
	st, err := store.Open("file:"+filepath.Join(t.TempDir(), "gw_test.db"), server)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, store.Migrate(st))

	cfg := &config.Config{
		AuthTimeout:        2 * time.Second,
		KeepaliveTimeout:   10 * time.Second,
		ReceiverQueueDepth: 16,
		ChatHistoryLimit:   50,
		MaxChatBytes:       4096,
		MaxAttachmentBytes: 16384,
	}

	metrics := app.NewMetrics()
	router := app.NewRouter(metrics, 400*time.Millisecond, 4)
	registry := app.NewRegistry(router, metrics)
	resolver := authz.NewResolver(st)
	provider := auth.NewJWTProvider("test-secret")

	ctl := NewController(cfg, st, resolver, registry, router, metrics, provider, server)
	return &gatewayFixture{
		ctl:      ctl,
		st:       st,
		registry: registry,
		router:   router,
		provider: provider,
		server:   server,
	}
}

// grantMemberRole gives user the plain-member capability set via a role.
func (fx *gatewayFixture) grantMemberRole(t *testing.T, user domain.UserID) {
	t.Helper()
	ctx := context.Background()
	admin := domain.UserID(uuid.New())
	require.NoError(t, fx.st.UpsertRole(ctx, &domain.Role{ID: "member", ServerID: fx.server, Name: "Member"}))
	for _, c := range []domain.Capability{domain.CapChannelJoin, domain.CapChannelSpeak, domain.CapChatPost} {
		require.NoError(t, fx.st.SetRoleCapability(ctx, admin, "member", c, domain.EffectGrant))
	}
	require.NoError(t, fx.st.AssignRole(ctx, admin, user, "member"))
}

func (fx *gatewayFixture) mkChannel(t *testing.T, name string) *domain.Channel {
	t.Helper()
	ch, err := domain.NewChannel(fx.server, name, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, fx.st.CreateChannel(context.Background(), domain.UserID(uuid.New()), ch))
	return ch
}

type testClient struct {
	conn net.Conn
	fake *fakeCtrlConn
	corr uint64
}

func (fx *gatewayFixture) connect(t *testing.T) *testClient {
	t.Helper()
	server, client := net.Pipe()
	fake := &fakeCtrlConn{stream: server}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go fx.ctl.HandleConn(ctx, fake)
	t.Cleanup(func() { _ = client.Close() })
	return &testClient{conn: client, fake: fake}
}

func (c *testClient) send(t *testing.T, typ protocol.FrameType, body any) uint64 {
	t.Helper()
	c.corr++
	f, err := protocol.NewFrame(typ, c.corr, body)
	require.NoError(t, err)
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, protocol.WriteFrame(c.conn, f))
	return c.corr
}

func (c *testClient) recv(t *testing.T) *protocol.Frame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := protocol.ReadFrame(c.conn, protocol.DefaultMaxFrameBytes)
	require.NoError(t, err)
	return f
}

func (c *testClient) authenticate(t *testing.T, token string) protocol.AuthResponse {
	t.Helper()
	corr := c.send(t, protocol.TypeAuthRequest, protocol.AuthRequest{Token: token})
	f := c.recv(t)
	require.Equal(t, protocol.TypeAuthResponse, f.Type)
	require.Equal(t, corr, f.Corr)
	var resp protocol.AuthResponse
	require.NoError(t, f.Decode(&resp))
	return resp
}

func (fx *gatewayFixture) token(t *testing.T, user domain.UserID) string {
	t.Helper()
	tok, err := fx.provider.Sign(user)
	require.NoError(t, err)
	return tok
}

func recvError(t *testing.T, c *testClient) protocol.ErrorBody {
	t.Helper()
	f := c.recv(t)
	require.Equal(t, protocol.TypeError, f.Type)
	var body protocol.ErrorBody
	require.NoError(t, f.Decode(&body))
	return body
}

func TestRejectsOperationsBeforeAuth(t *testing.T) {
	fx := newGatewayFixture(t)
	c := fx.connect(t)

	c.send(t, protocol.TypeJoinChannel, protocol.JoinChannel{ChannelID: domain.NewChannelID()})

	require.Eventually(t, func() bool {
		closed, code := c.fake.state()
		return closed && code == protocol.CodeUnauthenticated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthRejectsBadToken(t *testing.T) {
	fx := newGatewayFixture(t)
	c := fx.connect(t)

	c.send(t, protocol.TypeAuthRequest, protocol.AuthRequest{Token: "garbage"})
	body := recvError(t, c)
	assert.Equal(t, protocol.CodeUnauthenticated, body.Code)
}

func TestAuthAndJoinFlow(t *testing.T) {
	fx := newGatewayFixture(t)
	user := domain.UserID(uuid.New())
	fx.grantMemberRole(t, user)
	ch := fx.mkChannel(t, "general")

	c := fx.connect(t)
	resp := c.authenticate(t, fx.token(t, user))
	assert.Equal(t, user, resp.UserID)
	assert.Equal(t, fx.server, resp.ServerID)
	assert.Contains(t, resp.Caps, domain.CapChannelJoin)

	corr := c.send(t, protocol.TypeJoinChannel, protocol.JoinChannel{
		ChannelID:   ch.ID,
		DisplayName: "alice",
	})
	f := c.recv(t)
	require.Equal(t, protocol.TypeChannelSnapshot, f.Type)
	require.Equal(t, corr, f.Corr)

	var snap protocol.ChannelSnapshot
	require.NoError(t, f.Decode(&snap))
	assert.Equal(t, ch.ID, snap.Channel.ID)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, "alice", snap.Members[0].DisplayName)
	assert.Empty(t, snap.RecentChat)

	// The session now occupies the channel in the forwarding topology.
	require.Eventually(t, func() bool {
		return len(fx.router.Members(ch.ID)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestJoinWithoutCapability(t *testing.T) {
	fx := newGatewayFixture(t)
	user := domain.UserID(uuid.New())
	ch := fx.mkChannel(t, "general")

	c := fx.connect(t)
	c.authenticate(t, fx.token(t, user))
	c.send(t, protocol.TypeJoinChannel, protocol.JoinChannel{ChannelID: ch.ID})
	body := recvError(t, c)
	assert.Equal(t, protocol.CodeForbidden, body.Code)
}

func TestChatDeniedByChannelOverrideLeavesNoTrace(t *testing.T) {
	fx := newGatewayFixture(t)
	ctx := context.Background()
	user := domain.UserID(uuid.New())
	fx.grantMemberRole(t, user)
	ch := fx.mkChannel(t, "restricted")

	admin := domain.UserID(uuid.New())
	require.NoError(t, fx.st.SetChannelOverride(ctx, admin, ch.ID, user, domain.CapChatPost, domain.EffectDeny))

	c := fx.connect(t)
	c.authenticate(t, fx.token(t, user))
	c.send(t, protocol.TypeJoinChannel, protocol.JoinChannel{ChannelID: ch.ID, DisplayName: "u"})
	require.Equal(t, protocol.TypeChannelSnapshot, c.recv(t).Type)

	c.send(t, protocol.TypePostChat, protocol.PostChat{ChannelID: ch.ID, Text: "hello"})
	body := recvError(t, c)
	assert.Equal(t, protocol.CodeForbidden, body.Code)

	// Denied posts persist nothing and enqueue nothing.
	msgs, err := fx.st.ListRecentChat(ctx, ch.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	evs, err := fx.st.ClaimOutbox(ctx, "probe", 100, time.Minute)
	require.NoError(t, err)
	for _, ev := range evs {
		assert.NotEqual(t, domain.TopicChat, ev.Topic)
	}
}

func TestChatTooLarge(t *testing.T) {
	fx := newGatewayFixture(t)
	user := domain.UserID(uuid.New())
	fx.grantMemberRole(t, user)
	ch := fx.mkChannel(t, "general")

	c := fx.connect(t)
	c.authenticate(t, fx.token(t, user))
	c.send(t, protocol.TypeJoinChannel, protocol.JoinChannel{ChannelID: ch.ID, DisplayName: "u"})
	require.Equal(t, protocol.TypeChannelSnapshot, c.recv(t).Type)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'x'
	}
	c.send(t, protocol.TypePostChat, protocol.PostChat{ChannelID: ch.ID, Text: string(big)})
	body := recvError(t, c)
	assert.Equal(t, protocol.CodeTooLarge, body.Code)
}

func TestSecondLoginSupersedesFirst(t *testing.T) {
	fx := newGatewayFixture(t)
	user := domain.UserID(uuid.New())

	c1 := fx.connect(t)
	c1.authenticate(t, fx.token(t, user))

	c2 := fx.connect(t)
	c2.authenticate(t, fx.token(t, user))

	// The first connection is told it was superseded and closed.
	body := recvError(t, c1)
	assert.Equal(t, protocol.CodeSuperseded, body.Code)
	require.Eventually(t, func() bool {
		closed, code := c1.fake.state()
		return closed && code == protocol.CodeSuperseded
	}, 2*time.Second, 10*time.Millisecond)

	sess, ok := fx.registry.Lookup(user)
	require.True(t, ok)
	// Only one session remains for the user.
	assert.NotNil(t, sess)
}

func TestPingPong(t *testing.T) {
	fx := newGatewayFixture(t)
	user := domain.UserID(uuid.New())

	c := fx.connect(t)
	c.authenticate(t, fx.token(t, user))

	corr := c.send(t, protocol.TypePing, protocol.Ping{Nonce: 99})
	f := c.recv(t)
	require.Equal(t, protocol.TypePong, f.Type)
	require.Equal(t, corr, f.Corr)
	var pong protocol.Pong
	require.NoError(t, f.Decode(&pong))
	assert.Equal(t, uint64(99), pong.Nonce)
	assert.NotZero(t, pong.ServerTimeMS)
}

func TestLeaveReturnsToReady(t *testing.T) {
	fx := newGatewayFixture(t)
	user := domain.UserID(uuid.New())
	fx.grantMemberRole(t, user)
	ch := fx.mkChannel(t, "general")

	c := fx.connect(t)
	c.authenticate(t, fx.token(t, user))
	c.send(t, protocol.TypeJoinChannel, protocol.JoinChannel{ChannelID: ch.ID, DisplayName: "u"})
	require.Equal(t, protocol.TypeChannelSnapshot, c.recv(t).Type)

	corr := c.send(t, protocol.TypeLeaveChannel, protocol.LeaveChannel{})
	f := c.recv(t)
	require.Equal(t, protocol.TypeLeft, f.Type)
	require.Equal(t, corr, f.Corr)

	assert.Empty(t, fx.router.Members(ch.ID))

	// Ready again: a second leave is a conflict.
	c.send(t, protocol.TypeLeaveChannel, protocol.LeaveChannel{})
	body := recvError(t, c)
	assert.Equal(t, protocol.CodeConflict, body.Code)
}

func TestKeepaliveTimeoutClosesConnection(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.ctl.cfg.KeepaliveTimeout = 150 * time.Millisecond
	user := domain.UserID(uuid.New())

	c := fx.connect(t)
	c.authenticate(t, fx.token(t, user))

	require.Eventually(t, func() bool {
		_, ok := fx.registry.Lookup(user)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

var _ core.Conn = (*fakeCtrlConn)(nil)
