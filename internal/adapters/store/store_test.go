package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Chorus/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	server := domain.ServerID(uuid.New())
	dsn := "file:" + filepath.Join(t.TempDir(), "chorus_test.db")
	s, err := Open(dsn, server)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, Migrate(s))
	return s
}

func mkChannel(t *testing.T, s *Store, name string, maxMembers, maxTalkers *int) *domain.Channel {
	t.Helper()
	ch, err := domain.NewChannel(s.ServerID(), name, nil, maxMembers, maxTalkers)
	require.NoError(t, err)
	require.NoError(t, s.CreateChannel(context.Background(), domain.UserID(uuid.New()), ch))
	return ch
}

func mkMember(t *testing.T, s *Store, ch domain.ChannelID, name string) *domain.Member {
	t.Helper()
	m, err := domain.NewMember(ch, domain.UserID(uuid.New()), name)
	require.NoError(t, err)
	require.NoError(t, s.AddMember(context.Background(), m))
	return m
}

func drainOutbox(t *testing.T, s *Store) []domain.OutboxEvent {
	t.Helper()
	evs, err := s.ClaimOutbox(context.Background(), "test-drain-"+uuid.NewString(), 100, time.Minute)
	require.NoError(t, err)
	return evs
}

func TestCreateAndGetChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	maxTalkers := 3
	ch := mkChannel(t, s, "general", nil, &maxTalkers)

	got, err := s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)
	assert.Equal(t, "general", got.Name)
	require.NotNil(t, got.MaxTalkers)
	assert.Equal(t, 3, *got.MaxTalkers)

	list, err := s.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetChannelNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetChannel(context.Background(), domain.NewChannelID())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateChannelWithMissingParent(t *testing.T) {
	s := newTestStore(t)
	parent := domain.NewChannelID()
	ch, err := domain.NewChannel(s.ServerID(), "child", &parent, nil, nil)
	require.NoError(t, err)
	err = s.CreateChannel(context.Background(), domain.UserID(uuid.New()), ch)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteChannelBreaksParentLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := mkChannel(t, s, "parent", nil, nil)
	child, err := domain.NewChannel(s.ServerID(), "child", &parent.ID, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateChannel(ctx, domain.UserID(uuid.New()), child))

	require.NoError(t, s.DeleteChannel(ctx, domain.UserID(uuid.New()), parent.ID))

	got, err := s.GetChannel(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)
}

func TestAddMemberEnforcesMaxMembers(t *testing.T) {
	s := newTestStore(t)
	maxMembers := 1
	ch := mkChannel(t, s, "tiny", &maxMembers, nil)

	mkMember(t, s, ch.ID, "first")

	m2, err := domain.NewMember(ch.ID, domain.UserID(uuid.New()), "second")
	require.NoError(t, err)
	err = s.AddMember(context.Background(), m2)
	require.ErrorIs(t, err, domain.ErrChannelFull)
}

func TestRejoinIsNotBlockedByOwnMembership(t *testing.T) {
	s := newTestStore(t)
	maxMembers := 1
	ch := mkChannel(t, s, "tiny", &maxMembers, nil)

	m := mkMember(t, s, ch.ID, "alice")
	// Same user joining again must not count itself against the cap.
	require.NoError(t, s.AddMember(context.Background(), m))
}

func TestRemoveMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := mkChannel(t, s, "general", nil, nil)
	m := mkMember(t, s, ch.ID, "alice")

	require.NoError(t, s.RemoveMember(ctx, ch.ID, m.UserID))
	_, err := s.GetMember(ctx, ch.ID, m.UserID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = s.RemoveMember(ctx, ch.ID, m.UserID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetMuteAndDeafenPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := mkChannel(t, s, "general", nil, nil)
	m := mkMember(t, s, ch.ID, "alice")
	mod := domain.UserID(uuid.New())

	require.NoError(t, s.SetMute(ctx, mod, ch.ID, m.UserID, true))
	require.NoError(t, s.SetDeafen(ctx, m.UserID, ch.ID, m.UserID, true))

	got, err := s.GetMember(ctx, ch.ID, m.UserID)
	require.NoError(t, err)
	assert.True(t, got.Muted)
	assert.True(t, got.Deafened)
}

func TestMoveMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	from := mkChannel(t, s, "from", nil, nil)
	to := mkChannel(t, s, "to", nil, nil)
	m := mkMember(t, s, from.ID, "alice")

	require.NoError(t, s.MoveMember(ctx, m.UserID, from.ID, to.ID, m.UserID))

	_, err := s.GetMember(ctx, from.ID, m.UserID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	moved, err := s.GetMember(ctx, to.ID, m.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice", moved.DisplayName)
}

func TestPostChatRequiresMembership(t *testing.T) {
	s := newTestStore(t)
	ch := mkChannel(t, s, "general", nil, nil)

	msg := &domain.ChatMessage{
		ID:           domain.NewMessageID(),
		ServerID:     s.ServerID(),
		ChannelID:    ch.ID,
		AuthorUserID: domain.UserID(uuid.New()),
		Text:         "hi",
		CreatedAt:    time.Now().UTC(),
	}
	err := s.PostChat(context.Background(), msg)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListRecentChatAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := mkChannel(t, s, "general", nil, nil)
	m := mkMember(t, s, ch.ID, "alice")

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		msg := &domain.ChatMessage{
			ID:           domain.NewMessageID(),
			ServerID:     s.ServerID(),
			ChannelID:    ch.ID,
			AuthorUserID: m.UserID,
			Text:         string(rune('a' + i)),
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.PostChat(ctx, msg))
	}

	got, err := s.ListRecentChat(ctx, ch.ID, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// The newest three, oldest first.
	assert.Equal(t, "c", got[0].Text)
	assert.Equal(t, "d", got[1].Text)
	assert.Equal(t, "e", got[2].Text)
}

func TestOutboxRowPerMutation(t *testing.T) {
	s := newTestStore(t)
	ch := mkChannel(t, s, "general", nil, nil)
	mkMember(t, s, ch.ID, "alice")

	evs := drainOutbox(t, s)
	// channel.created + presence join.
	require.Len(t, evs, 2)
	assert.Equal(t, domain.TopicChannel, evs[0].Topic)
	assert.Equal(t, domain.TopicPresence, evs[1].Topic)
	assert.Equal(t, ch.ID.String(), evs[1].Key)
}

func TestOutboxIDsOrderedByCommitTime(t *testing.T) {
	s := newTestStore(t)
	ch := mkChannel(t, s, "general", nil, nil)
	mkMember(t, s, ch.ID, "first")
	mkMember(t, s, ch.ID, "second")

	evs := drainOutbox(t, s)
	require.GreaterOrEqual(t, len(evs), 3)
	for i := 1; i < len(evs); i++ {
		assert.Less(t, string(evs[i-1].ID), string(evs[i].ID))
	}
}

func TestClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mkChannel(t, s, "general", nil, nil)

	first, err := s.ClaimOutbox(ctx, "claimant-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Attempts)

	// A second claimant inside the lease gets nothing.
	second, err := s.ClaimOutbox(ctx, "claimant-b", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	// With a zero lease every claim is already expired, so b can steal it.
	stolen, err := s.ClaimOutbox(ctx, "claimant-b", 10, 0)
	require.NoError(t, err)
	require.Len(t, stolen, 1)
	assert.Equal(t, first[0].ID, stolen[0].ID)
	assert.Equal(t, 2, stolen[0].Attempts)
}

func TestMarkPublishedHonorsClaimToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mkChannel(t, s, "general", nil, nil)

	evs, err := s.ClaimOutbox(ctx, "claimant-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	id := evs[0].ID

	// The lease expired and b re-claimed; a's stale publish must be ignored.
	_, err = s.ClaimOutbox(ctx, "claimant-b", 10, 0)
	require.NoError(t, err)

	require.NoError(t, s.MarkPublished(ctx, []domain.EventID{id}, "claimant-a"))
	got, err := s.OutboxEventByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.PublishedAt)

	require.NoError(t, s.MarkPublished(ctx, []domain.EventID{id}, "claimant-b"))
	got, err = s.OutboxEventByID(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, got.PublishedAt)

	// Published rows are no longer claimable.
	evs, err = s.ClaimOutbox(ctx, "claimant-c", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestReleaseMakesRowsReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mkChannel(t, s, "general", nil, nil)

	evs, err := s.ClaimOutbox(ctx, "claimant-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	require.NoError(t, s.ReleaseOutbox(ctx, []domain.EventID{evs[0].ID}, "claimant-a"))

	evs, err = s.ClaimOutbox(ctx, "claimant-b", 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestMarkDeadExcludesFromClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mkChannel(t, s, "general", nil, nil)

	evs, err := s.ClaimOutbox(ctx, "claimant-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	require.NoError(t, s.MarkDead(ctx, evs[0].ID, "claimant-a"))

	evs, err = s.ClaimOutbox(ctx, "claimant-b", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestResolveEffectiveCapabilities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := mkChannel(t, s, "general", nil, nil)
	user := domain.UserID(uuid.New())
	admin := domain.UserID(uuid.New())

	require.NoError(t, s.UpsertRole(ctx, &domain.Role{ID: "speaker", ServerID: s.ServerID(), Name: "Speaker"}))
	require.NoError(t, s.SetRoleCapability(ctx, admin, "speaker", domain.CapChatPost, domain.EffectGrant))
	require.NoError(t, s.SetRoleCapability(ctx, admin, "speaker", domain.CapChannelSpeak, domain.EffectGrant))
	require.NoError(t, s.AssignRole(ctx, admin, user, "speaker"))
	require.NoError(t, s.SetChannelOverride(ctx, admin, ch.ID, user, domain.CapChatPost, domain.EffectDeny))

	rs, err := s.ResolveEffectiveCapabilities(ctx, user, ch.ID)
	require.NoError(t, err)
	assert.Len(t, rs.RoleRules, 2)
	require.Len(t, rs.Overrides, 1)
	assert.Equal(t, domain.EffectDeny, rs.Overrides[0].Effect)

	// Without a channel, only the role tier applies.
	rs, err = s.ResolveEffectiveCapabilities(ctx, user, domain.ChannelID{})
	require.NoError(t, err)
	assert.Empty(t, rs.Overrides)
	assert.Len(t, rs.RoleRules, 2)
}

func TestRoleMutationEnqueuesCapsChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := domain.UserID(uuid.New())
	admin := domain.UserID(uuid.New())

	require.NoError(t, s.UpsertRole(ctx, &domain.Role{ID: "mod", ServerID: s.ServerID(), Name: "Mod"}))
	require.NoError(t, s.AssignRole(ctx, admin, user, "mod"))
	require.NoError(t, s.SetRoleCapability(ctx, admin, "mod", domain.CapChannelModerate, domain.EffectGrant))

	evs := drainOutbox(t, s)
	var capsChanged int
	for _, ev := range evs {
		if ev.Topic == domain.TopicModeration {
			var p domain.ModerationPayload
			require.NoError(t, DecodePayload(&ev, &p))
			if p.Kind == domain.ModerationCapsChanged {
				capsChanged++
				assert.Equal(t, user, p.TargetUserID)
			}
		}
	}
	// One from AssignRole, one from SetRoleCapability (the user holds the
	// role by then).
	assert.Equal(t, 2, capsChanged)
}
