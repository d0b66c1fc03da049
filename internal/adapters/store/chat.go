package store

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/dkeye/Chorus/internal/domain"
)

// PostChat persists the message and commits the chat event that carries it to
// subscribers. The caller only learns that persistence succeeded; delivery is
// the event's job.
func (s *Store) PostChat(ctx context.Context, msg *domain.ChatMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getMemberTx(ctx, tx, msg.ChannelID, msg.AuthorUserID); err != nil {
			return err
		}

		var attachments any
		if len(msg.Attachments) > 0 {
			attachments = []byte(msg.Attachments)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, server_id, channel_id, author_user_id, text, attachments, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID.String(), msg.ServerID.String(), msg.ChannelID.String(),
			msg.AuthorUserID.String(), msg.Text, attachments, timeToMS(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}

		payload, err := json.Marshal(domain.ChatPayload{Message: *msg})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicChat, msg.ChannelID.String(), payload)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &msg.AuthorUserID, "chat.post", "channel", msg.ChannelID.String(),
			mustJSON(map[string]any{"message_id": msg.ID.String(), "text_len": len(msg.Text)})))
	})
}

// ListRecentChat returns up to limit messages in ascending creation order.
func (s *Store) ListRecentChat(ctx context.Context, channel domain.ChannelID, limit int) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, channel_id, author_user_id, text, attachments, created_at
		FROM chat_messages
		WHERE channel_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, channel.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var newestFirst []domain.ChatMessage
	for rows.Next() {
		var (
			m                    domain.ChatMessage
			idS, srvS, chS, auS  string
			attachments          []byte
			createdMS            int64
		)
		if err := rows.Scan(&idS, &srvS, &chS, &auS, &m.Text, &attachments, &createdMS); err != nil {
			return nil, err
		}
		if m.ID, err = domain.ParseMessageID(idS); err != nil {
			return nil, err
		}
		if m.ServerID, err = domain.ParseServerID(srvS); err != nil {
			return nil, err
		}
		if m.ChannelID, err = domain.ParseChannelID(chS); err != nil {
			return nil, err
		}
		if m.AuthorUserID, err = domain.ParseUserID(auS); err != nil {
			return nil, err
		}
		m.Attachments = attachments
		m.CreatedAt = msToTime(createdMS)
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lo.Reverse(newestFirst), nil
}
