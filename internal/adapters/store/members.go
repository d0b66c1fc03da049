package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Chorus/internal/domain"
)

// AddMember upserts the membership row and commits a presence join event.
// Re-joining refreshes the display name and still emits the event so other
// gateways converge on membership.
func (s *Store) AddMember(ctx context.Context, m *domain.Member) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ch, err := getChannelTx(ctx, tx, s.server, m.ChannelID)
		if err != nil {
			return err
		}
		if ch.MaxMembers != nil {
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM members WHERE channel_id = ? AND user_id != ?`,
				m.ChannelID.String(), m.UserID.String()).Scan(&count); err != nil {
				return err
			}
			if count >= *ch.MaxMembers {
				return domain.ErrChannelFull
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO members (channel_id, user_id, display_name, muted, deafened, joined_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (channel_id, user_id)
			DO UPDATE SET display_name = excluded.display_name`,
			m.ChannelID.String(), m.UserID.String(), m.DisplayName,
			m.Muted, m.Deafened, timeToMS(m.JoinedAt))
		if err != nil {
			return fmt.Errorf("upsert member: %w", err)
		}

		payload, err := json.Marshal(domain.PresencePayload{
			Kind:        domain.PresenceJoin,
			ChannelID:   m.ChannelID,
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Muted:       m.Muted,
			Deafened:    m.Deafened,
		})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicPresence, m.ChannelID.String(), payload)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &m.UserID, "member.join", "channel", m.ChannelID.String(),
			mustJSON(map[string]any{"user_id": m.UserID.String()})))
	})
}

// RemoveMember deletes the membership row and commits a presence leave event.
func (s *Store) RemoveMember(ctx context.Context, channel domain.ChannelID, user domain.UserID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteMemberTx(ctx, tx, channel, user); err != nil {
			return err
		}
		payload, err := json.Marshal(domain.PresencePayload{
			Kind:      domain.PresenceLeave,
			ChannelID: channel,
			UserID:    user,
		})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicPresence, channel.String(), payload)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &user, "member.leave", "channel", channel.String(), nil))
	})
}

// SetMute updates the member's mute flag. A moderator acting on someone else
// additionally commits a moderation event.
func (s *Store) SetMute(ctx context.Context, actor domain.UserID, channel domain.ChannelID, target domain.UserID, muted bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMemberTx(ctx, tx, channel, target)
		if err != nil {
			return err
		}
		m.Muted = muted
		if _, err := tx.ExecContext(ctx,
			`UPDATE members SET muted = ? WHERE channel_id = ? AND user_id = ?`,
			muted, channel.String(), target.String()); err != nil {
			return err
		}

		payload, err := json.Marshal(domain.PresencePayload{
			Kind:        domain.PresenceMute,
			ChannelID:   channel,
			UserID:      target,
			DisplayName: m.DisplayName,
			Muted:       m.Muted,
			Deafened:    m.Deafened,
		})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicPresence, channel.String(), payload)); err != nil {
			return err
		}

		if actor != target {
			modPayload, err := json.Marshal(domain.ModerationPayload{
				Kind:         domain.ModerationUserMuted,
				ChannelID:    channel,
				ActorUserID:  actor,
				TargetUserID: target,
				Muted:        muted,
			})
			if err != nil {
				return err
			}
			if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicModeration, channel.String(), modPayload)); err != nil {
				return err
			}
		}

		action := "member.unmute"
		if muted {
			action = "member.mute"
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &actor, action, "user", target.String(),
			mustJSON(map[string]any{"channel_id": channel.String(), "muted": muted})))
	})
}

// SetDeafen mirrors SetMute for the deafened flag.
func (s *Store) SetDeafen(ctx context.Context, actor domain.UserID, channel domain.ChannelID, target domain.UserID, deafened bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMemberTx(ctx, tx, channel, target)
		if err != nil {
			return err
		}
		m.Deafened = deafened
		if _, err := tx.ExecContext(ctx,
			`UPDATE members SET deafened = ? WHERE channel_id = ? AND user_id = ?`,
			deafened, channel.String(), target.String()); err != nil {
			return err
		}

		payload, err := json.Marshal(domain.PresencePayload{
			Kind:        domain.PresenceDeafen,
			ChannelID:   channel,
			UserID:      target,
			DisplayName: m.DisplayName,
			Muted:       m.Muted,
			Deafened:    m.Deafened,
		})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicPresence, channel.String(), payload)); err != nil {
			return err
		}

		action := "member.undeafen"
		if deafened {
			action = "member.deafen"
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &actor, action, "user", target.String(),
			mustJSON(map[string]any{"channel_id": channel.String(), "deafened": deafened})))
	})
}

// MoveMember relocates target from one channel to another in one transaction,
// committing a leave event on the source key and a move event on the target
// key.
func (s *Store) MoveMember(ctx context.Context, actor domain.UserID, from, to domain.ChannelID, target domain.UserID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMemberTx(ctx, tx, from, target)
		if err != nil {
			return err
		}
		if _, err := getChannelTx(ctx, tx, s.server, to); err != nil {
			return err
		}
		if err := deleteMemberTx(ctx, tx, from, target); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO members (channel_id, user_id, display_name, muted, deafened, joined_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (channel_id, user_id)
			DO UPDATE SET display_name = excluded.display_name`,
			to.String(), target.String(), m.DisplayName, m.Muted, m.Deafened,
			timeToMS(m.JoinedAt)); err != nil {
			return err
		}

		leave, err := json.Marshal(domain.PresencePayload{
			Kind: domain.PresenceLeave, ChannelID: from, UserID: target,
		})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicPresence, from.String(), leave)); err != nil {
			return err
		}
		move, err := json.Marshal(domain.PresencePayload{
			Kind:        domain.PresenceMove,
			ChannelID:   to,
			UserID:      target,
			DisplayName: m.DisplayName,
			Muted:       m.Muted,
			Deafened:    m.Deafened,
		})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicPresence, to.String(), move)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &actor, "member.move", "user", target.String(),
			mustJSON(map[string]any{"from": from.String(), "to": to.String()})))
	})
}

func (s *Store) GetMember(ctx context.Context, channel domain.ChannelID, user domain.UserID) (*domain.Member, error) {
	var m *domain.Member
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMemberTx(ctx, tx, channel, user)
		return err
	})
	return m, err
}

func (s *Store) ListMembers(ctx context.Context, channel domain.ChannelID) ([]domain.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, display_name, muted, deafened, joined_at
		FROM members WHERE channel_id = ? ORDER BY joined_at ASC`, channel.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMember(r rowScanner) (*domain.Member, error) {
	var (
		m          domain.Member
		chS, userS string
		joinedMS   int64
	)
	if err := r.Scan(&chS, &userS, &m.DisplayName, &m.Muted, &m.Deafened, &joinedMS); err != nil {
		return nil, err
	}
	var err error
	if m.ChannelID, err = domain.ParseChannelID(chS); err != nil {
		return nil, err
	}
	if m.UserID, err = domain.ParseUserID(userS); err != nil {
		return nil, err
	}
	m.JoinedAt = msToTime(joinedMS)
	return &m, nil
}

func getMemberTx(ctx context.Context, tx *sql.Tx, channel domain.ChannelID, user domain.UserID) (*domain.Member, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT channel_id, user_id, display_name, muted, deafened, joined_at
		FROM members WHERE channel_id = ? AND user_id = ?`,
		channel.String(), user.String())
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s in %s: %w", user, channel, domain.ErrNotFound)
	}
	return m, err
}

func deleteMemberTx(ctx context.Context, tx *sql.Tx, channel domain.ChannelID, user domain.UserID) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM members WHERE channel_id = ? AND user_id = ?`,
		channel.String(), user.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("member %s in %s: %w", user, channel, domain.ErrNotFound)
	}
	return nil
}
