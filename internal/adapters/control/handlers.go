package control

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/core"
	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

func (c *Controller) dispatch(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	_, inChannel := sess.Channel()

	switch f.Type {
	case protocol.TypePing:
		c.handlePing(sess, f)
	case protocol.TypeJoinChannel:
		if inChannel {
			c.replyErr(sess, f.Corr, domain.ErrConflict, "already in a channel")
			return
		}
		c.handleJoin(ctx, sess, f)
	case protocol.TypeLeaveChannel:
		if !inChannel {
			c.replyErr(sess, f.Corr, domain.ErrConflict, "not in a channel")
			return
		}
		c.handleLeave(ctx, sess, f)
	case protocol.TypeSetMute:
		if !inChannel {
			c.replyErr(sess, f.Corr, domain.ErrConflict, "not in a channel")
			return
		}
		c.handleSetMute(ctx, sess, f)
	case protocol.TypeSetDeafen:
		if !inChannel {
			c.replyErr(sess, f.Corr, domain.ErrConflict, "not in a channel")
			return
		}
		c.handleSetDeafen(ctx, sess, f)
	case protocol.TypePostChat:
		if !inChannel {
			c.replyErr(sess, f.Corr, domain.ErrConflict, "not in a channel")
			return
		}
		c.handlePostChat(ctx, sess, f)
	case protocol.TypeMoveChannel:
		if !inChannel {
			c.replyErr(sess, f.Corr, domain.ErrConflict, "not in a channel")
			return
		}
		c.handleMove(ctx, sess, f)
	case protocol.TypeCreateChannel:
		c.handleCreateChannel(ctx, sess, f)
	case protocol.TypeListChannels:
		c.handleListChannels(ctx, sess, f)
	case protocol.TypeAuthRequest:
		c.replyErr(sess, f.Corr, domain.ErrConflict, "already authenticated")
	default:
		log.Warn().Str("module", "control").Str("type", string(f.Type)).Msg("unknown frame type")
		c.replyErr(sess, f.Corr, domain.ErrNotFound, "unsupported request")
	}
}

func (c *Controller) handlePing(sess *core.Session, f *protocol.Frame) {
	var req protocol.Ping
	if err := f.Decode(&req); err != nil {
		c.replyErr(sess, f.Corr, domain.ErrBadPayload, "bad payload")
		return
	}
	c.reply(sess, f.Corr, protocol.TypePong, protocol.Pong{
		Nonce:        req.Nonce,
		ServerTimeMS: time.Now().UnixMilli(),
	})
}

func (c *Controller) handleJoin(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	var req protocol.JoinChannel
	if err := f.Decode(&req); err != nil {
		c.replyErr(sess, f.Corr, domain.ErrBadPayload, "bad payload")
		return
	}

	if !c.permitted(ctx, sess, f.Corr, req.ChannelID, domain.CapChannelJoin) {
		return
	}

	ch, err := c.store.GetChannel(ctx, req.ChannelID)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "channel lookup failed")
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = sess.User.String()[:8]
	}
	m, err := domain.NewMember(ch.ID, sess.User, displayName)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "bad display name")
		return
	}
	if err := c.store.AddMember(ctx, m); err != nil {
		c.replyErr(sess, f.Corr, err, "join failed")
		return
	}

	if ch.MaxTalkers != nil {
		c.router.SetMaxTalkers(ch.ID, *ch.MaxTalkers)
	}
	c.registry.SetChannel(sess, ch.ID)

	// The channel-scoped snapshot folds overrides in; the router's speak
	// check reads this.
	caps, err := c.resolver.Snapshot(ctx, sess.User, ch.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "control").Msg("caps snapshot after join")
	} else {
		sess.SetCaps(caps)
	}

	members, err := c.store.ListMembers(ctx, ch.ID)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "member list failed")
		return
	}
	recent, err := c.store.ListRecentChat(ctx, ch.ID, c.cfg.ChatHistoryLimit)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "chat history failed")
		return
	}
	c.reply(sess, f.Corr, protocol.TypeChannelSnapshot, protocol.ChannelSnapshot{
		Channel:    *ch,
		Members:    members,
		RecentChat: recent,
	})
}

func (c *Controller) handleLeave(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	ch, _ := sess.Channel()
	if err := c.store.RemoveMember(ctx, ch, sess.User); err != nil {
		c.replyErr(sess, f.Corr, err, "leave failed")
		return
	}
	c.registry.SetChannel(sess, domain.ChannelID{})
	c.refreshCaps(ctx, sess, domain.ChannelID{})
	c.reply(sess, f.Corr, protocol.TypeLeft, protocol.Left{ChannelID: ch})
}

func (c *Controller) handleSetMute(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	var req protocol.SetMute
	if err := f.Decode(&req); err != nil {
		c.replyErr(sess, f.Corr, domain.ErrBadPayload, "bad payload")
		return
	}
	ch, _ := sess.Channel()

	target := req.TargetUserID
	if target.IsZero() {
		target = sess.User
	}
	// Muting yourself needs no capability; muting anyone else is moderation.
	if target != sess.User && !c.permitted(ctx, sess, f.Corr, ch, domain.CapChannelModerate) {
		return
	}
	if err := c.store.SetMute(ctx, sess.User, ch, target, req.Muted); err != nil {
		c.replyErr(sess, f.Corr, err, "mute failed")
		return
	}
	m, err := c.store.GetMember(ctx, ch, target)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "member lookup failed")
		return
	}
	c.reply(sess, f.Corr, protocol.TypeVoiceState, protocol.VoiceState{
		ChannelID: ch,
		UserID:    target,
		Muted:     m.Muted,
		Deafened:  m.Deafened,
	})
}

func (c *Controller) handleSetDeafen(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	var req protocol.SetDeafen
	if err := f.Decode(&req); err != nil {
		c.replyErr(sess, f.Corr, domain.ErrBadPayload, "bad payload")
		return
	}
	ch, _ := sess.Channel()

	target := req.TargetUserID
	if target.IsZero() {
		target = sess.User
	}
	if target != sess.User && !c.permitted(ctx, sess, f.Corr, ch, domain.CapChannelModerate) {
		return
	}
	if err := c.store.SetDeafen(ctx, sess.User, ch, target, req.Deafened); err != nil {
		c.replyErr(sess, f.Corr, err, "deafen failed")
		return
	}
	m, err := c.store.GetMember(ctx, ch, target)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "member lookup failed")
		return
	}
	c.reply(sess, f.Corr, protocol.TypeVoiceState, protocol.VoiceState{
		ChannelID: ch,
		UserID:    target,
		Muted:     m.Muted,
		Deafened:  m.Deafened,
	})
}

func (c *Controller) handlePostChat(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	var req protocol.PostChat
	if err := f.Decode(&req); err != nil {
		c.replyErr(sess, f.Corr, domain.ErrBadPayload, "bad payload")
		return
	}
	ch, _ := sess.Channel()
	if req.ChannelID != ch {
		c.replyErr(sess, f.Corr, domain.ErrConflict, "channel mismatch")
		return
	}
	if req.Text == "" {
		c.replyErr(sess, f.Corr, domain.ErrMessageEmpty, "empty message")
		return
	}
	if len(req.Text) > c.cfg.MaxChatBytes {
		c.replyErr(sess, f.Corr, domain.ErrTooLarge, "message too long")
		return
	}
	if len(req.Attachments) > c.cfg.MaxAttachmentBytes {
		c.replyErr(sess, f.Corr, domain.ErrTooLarge, "attachments too large")
		return
	}
	if !c.permitted(ctx, sess, f.Corr, ch, domain.CapChatPost) {
		return
	}

	msg := &domain.ChatMessage{
		ID:           domain.NewMessageID(),
		ServerID:     c.server,
		ChannelID:    ch,
		AuthorUserID: sess.User,
		Text:         req.Text,
		Attachments:  req.Attachments,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.PostChat(ctx, msg); err != nil {
		c.replyErr(sess, f.Corr, err, "chat post failed")
		return
	}
	c.reply(sess, f.Corr, protocol.TypeChatAck, protocol.ChatAck{MessageID: msg.ID})
}

func (c *Controller) handleMove(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	var req protocol.MoveChannel
	if err := f.Decode(&req); err != nil {
		c.replyErr(sess, f.Corr, domain.ErrBadPayload, "bad payload")
		return
	}
	from, _ := sess.Channel()

	target := req.TargetUserID
	if target.IsZero() {
		target = sess.User
	}
	if target != sess.User && !c.permitted(ctx, sess, f.Corr, from, domain.CapChannelModerate) {
		return
	}

	targetSess := sess
	if target != sess.User {
		ts, ok := c.registry.Lookup(target)
		if !ok {
			c.replyErr(sess, f.Corr, domain.ErrNotFound, "target not connected")
			return
		}
		targetSess = ts
		if tch, in := ts.Channel(); in {
			from = tch
		} else {
			c.replyErr(sess, f.Corr, domain.ErrConflict, "target not in a channel")
			return
		}
	}

	if err := c.store.MoveMember(ctx, sess.User, from, req.ToChannelID, target); err != nil {
		c.replyErr(sess, f.Corr, err, "move failed")
		return
	}
	c.registry.SetChannel(targetSess, req.ToChannelID)
	c.refreshCaps(ctx, targetSess, req.ToChannelID)
	c.reply(sess, f.Corr, protocol.TypeMoved, protocol.Moved{
		UserID:      target,
		ToChannelID: req.ToChannelID,
	})
}

func (c *Controller) handleCreateChannel(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	var req protocol.CreateChannel
	if err := f.Decode(&req); err != nil {
		c.replyErr(sess, f.Corr, domain.ErrBadPayload, "bad payload")
		return
	}
	if !c.permitted(ctx, sess, f.Corr, domain.ChannelID{}, domain.CapChannelManage) {
		return
	}
	ch, err := domain.NewChannel(c.server, req.Name, req.ParentID, req.MaxMembers, req.MaxTalkers)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "bad channel")
		return
	}
	if err := c.store.CreateChannel(ctx, sess.User, ch); err != nil {
		c.replyErr(sess, f.Corr, err, "create failed")
		return
	}
	if ch.MaxTalkers != nil {
		c.router.SetMaxTalkers(ch.ID, *ch.MaxTalkers)
	}
	c.reply(sess, f.Corr, protocol.TypeChannelCreated, protocol.ChannelCreated{Channel: *ch})
}

func (c *Controller) handleListChannels(ctx context.Context, sess *core.Session, f *protocol.Frame) {
	channels, err := c.store.ListChannels(ctx)
	if err != nil {
		c.replyErr(sess, f.Corr, err, "list failed")
		return
	}
	c.reply(sess, f.Corr, protocol.TypeChannelList, protocol.ChannelList{Channels: channels})
}

// permitted answers the capability check and sends the forbidden reply on
// deny, so call sites read as a guard.
func (c *Controller) permitted(ctx context.Context, sess *core.Session, corr uint64, channel domain.ChannelID, caps ...domain.Capability) bool {
	ok, err := c.resolver.Permitted(ctx, sess.User, channel, caps...)
	if err != nil {
		c.replyErr(sess, corr, err, "authorization failed")
		return false
	}
	if !ok {
		c.replyErr(sess, corr, domain.ErrForbidden, "capability denied")
		return false
	}
	return true
}

func (c *Controller) refreshCaps(ctx context.Context, sess *core.Session, channel domain.ChannelID) {
	caps, err := c.resolver.Snapshot(ctx, sess.User, channel)
	if err != nil {
		log.Error().Err(err).Str("module", "control").Msg("caps snapshot refresh")
		return
	}
	sess.SetCaps(caps)
}

func (c *Controller) reply(sess *core.Session, corr uint64, t protocol.FrameType, body any) {
	f, err := protocol.NewFrame(t, corr, body)
	if err != nil {
		log.Error().Err(err).Str("module", "control").Msg("encode reply")
		return
	}
	if err := sess.Push(f); err != nil {
		c.metrics.PushDrops.Add(1)
	}
}

func (c *Controller) replyErr(sess *core.Session, corr uint64, err error, msg string) {
	code := protocol.CodeForError(err)
	if code == protocol.CodeInternal {
		log.Error().Err(err).Str("module", "control").Msg(msg)
	}
	f, ferr := protocol.NewFrame(protocol.TypeError, corr, protocol.ErrorBody{
		Code:    code,
		Message: msg,
	})
	if ferr != nil {
		return
	}
	if perr := sess.Push(f); perr != nil {
		c.metrics.PushDrops.Add(1)
	}
}
