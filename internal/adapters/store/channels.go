package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Chorus/internal/domain"
)

// CreateChannel inserts the channel and commits a channel.created outbox
// event plus an audit entry in the same transaction.
func (s *Store) CreateChannel(ctx context.Context, actor domain.UserID, ch *domain.Channel) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var parent any
		if ch.ParentID != nil {
			// Parent must exist; FK alone would allow a dangling text id on
			// servers sharing the table.
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM channels WHERE id = ? AND server_id = ?`,
				ch.ParentID.String(), ch.ServerID.String()).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent channel: %w", domain.ErrNotFound)
			}
			if err != nil {
				return err
			}
			parent = ch.ParentID.String()
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, server_id, name, parent_id, max_members, max_talkers, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.ID.String(), ch.ServerID.String(), ch.Name, parent,
			ch.MaxMembers, ch.MaxTalkers, timeToMS(ch.CreatedAt), timeToMS(ch.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}

		payload, err := json.Marshal(domain.ChannelPayload{Kind: domain.ChannelCreated, Channel: *ch})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(ch.ServerID, domain.TopicChannel, ch.ID.String(), payload)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			ch.ServerID, &actor, "channel.create", "channel", ch.ID.String(),
			mustJSON(map[string]any{"name": ch.Name})))
	})
}

// DeleteChannel removes the channel and breaks the parent link on children.
func (s *Store) DeleteChannel(ctx context.Context, actor domain.UserID, id domain.ChannelID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ch, err := getChannelTx(ctx, tx, s.server, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET parent_id = NULL WHERE parent_id = ?`, id.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM channels WHERE id = ? AND server_id = ?`, id.String(), s.server.String()); err != nil {
			return err
		}

		payload, err := json.Marshal(domain.ChannelPayload{Kind: domain.ChannelDeleted, Channel: *ch})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, domain.NewOutboxEvent(s.server, domain.TopicChannel, id.String(), payload)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &actor, "channel.delete", "channel", id.String(), nil))
	})
}

func (s *Store) GetChannel(ctx context.Context, id domain.ChannelID) (*domain.Channel, error) {
	var ch *domain.Channel
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ch, err = getChannelTx(ctx, tx, s.server, id)
		return err
	})
	return ch, err
}

func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, name, parent_id, max_members, max_talkers, created_at, updated_at
		FROM channels WHERE server_id = ? ORDER BY name ASC`, s.server.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (*domain.Channel, error) {
	var (
		ch                     domain.Channel
		idS, serverS           string
		parentS                sql.NullString
		maxMembers, maxTalkers sql.NullInt64
		createdMS, updatedMS   int64
	)
	if err := r.Scan(&idS, &serverS, &ch.Name, &parentS, &maxMembers, &maxTalkers, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	var err error
	if ch.ID, err = domain.ParseChannelID(idS); err != nil {
		return nil, err
	}
	if ch.ServerID, err = domain.ParseServerID(serverS); err != nil {
		return nil, err
	}
	if parentS.Valid {
		p, err := domain.ParseChannelID(parentS.String)
		if err != nil {
			return nil, err
		}
		ch.ParentID = &p
	}
	if maxMembers.Valid {
		v := int(maxMembers.Int64)
		ch.MaxMembers = &v
	}
	if maxTalkers.Valid {
		v := int(maxTalkers.Int64)
		ch.MaxTalkers = &v
	}
	ch.CreatedAt = msToTime(createdMS)
	ch.UpdatedAt = msToTime(updatedMS)
	return &ch, nil
}

func getChannelTx(ctx context.Context, tx *sql.Tx, server domain.ServerID, id domain.ChannelID) (*domain.Channel, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, server_id, name, parent_id, max_members, max_talkers, created_at, updated_at
		FROM channels WHERE id = ? AND server_id = ?`, id.String(), server.String())
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, domain.ErrNotFound)
	}
	return ch, err
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
