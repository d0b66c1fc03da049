package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Chorus/internal/domain"
)

func insertOutbox(ctx context.Context, tx *sql.Tx, ev *domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, server_id, topic, key, payload, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		string(ev.ID), ev.ServerID.String(), ev.Topic, ev.Key, ev.Payload, timeToMS(ev.CreatedAt))
	return err
}

// ClaimOutbox stamps up to max unpublished events with token and returns
// them oldest-first. A claim is eligible if it was never claimed or its lease
// expired. The stamp is a single conditional UPDATE, so concurrent claimants
// cannot win the same row.
func (s *Store) ClaimOutbox(ctx context.Context, token string, max int, lease time.Duration) ([]domain.OutboxEvent, error) {
	now := time.Now().UTC()
	expiredBefore := timeToMS(now.Add(-lease))

	var out []domain.OutboxEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		// Stamp and read back in one statement so concurrent claimants
		// cannot win the same row. Rows claimed earlier whose publish
		// failed stay invisible until their lease runs out.
		rows, err := tx.QueryContext(ctx, `
			UPDATE outbox_events
			SET claim_token = ?, claimed_at = ?, attempts = attempts + 1
			WHERE id IN (
				SELECT id FROM outbox_events
				WHERE server_id = ?
				  AND published_at IS NULL
				  AND dead_at IS NULL
				  AND (claim_token IS NULL OR claimed_at <= ?)
				ORDER BY id ASC
				LIMIT ?
			)
			RETURNING id, server_id, topic, key, payload, created_at, attempts`,
			token, timeToMS(now), s.server.String(), expiredBefore, max)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ev        domain.OutboxEvent
				idS, srvS string
				createdMS int64
			)
			if err := rows.Scan(&idS, &srvS, &ev.Topic, &ev.Key, &ev.Payload, &createdMS, &ev.Attempts); err != nil {
				return err
			}
			ev.ID = domain.EventID(idS)
			if ev.ServerID, err = domain.ParseServerID(srvS); err != nil {
				return err
			}
			ev.CreatedAt = msToTime(createdMS)
			out = append(out, ev)
		}
		return rows.Err()
	})
	// RETURNING does not promise an order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// MarkPublished stamps published_at only on rows still holding token. Rows
// re-claimed by another publisher after lease expiry are silently skipped.
func (s *Store) MarkPublished(ctx context.Context, ids []domain.EventID, token string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := timeToMS(time.Now().UTC())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox_events SET published_at = ?
				WHERE id = ? AND claim_token = ?`, now, string(id), token); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseOutbox clears the claim without publishing, making the rows
// immediately eligible for re-claim.
func (s *Store) ReleaseOutbox(ctx context.Context, ids []domain.EventID, token string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox_events SET claim_token = NULL, claimed_at = NULL
				WHERE id = ? AND claim_token = ?`, string(id), token); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkDead retires a poison event that exhausted its publish attempts and
// records the decision in the audit log.
func (s *Store) MarkDead(ctx context.Context, id domain.EventID, token string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox_events SET dead_at = ?
			WHERE id = ? AND claim_token = ?`,
			timeToMS(time.Now().UTC()), string(id), token)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, nil, "outbox.dead", "outbox_event", string(id), nil))
	})
}

// OutboxEventByID is a read-only lookup used by tests and ops tooling.
func (s *Store) OutboxEventByID(ctx context.Context, id domain.EventID) (*domain.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, topic, key, payload, created_at, published_at, claimed_at, claim_token, attempts
		FROM outbox_events WHERE id = ?`, string(id))

	var (
		ev                    domain.OutboxEvent
		idS, srvS             string
		createdMS             int64
		publishedMS, claimMS  sql.NullInt64
		claimToken            sql.NullString
	)
	if err := row.Scan(&idS, &srvS, &ev.Topic, &ev.Key, &ev.Payload, &createdMS, &publishedMS, &claimMS, &claimToken, &ev.Attempts); err != nil {
		return nil, err
	}
	ev.ID = domain.EventID(idS)
	srv, err := domain.ParseServerID(srvS)
	if err != nil {
		return nil, err
	}
	ev.ServerID = srv
	ev.CreatedAt = msToTime(createdMS)
	ev.PublishedAt = nullMS(publishedMS)
	ev.ClaimedAt = nullMS(claimMS)
	if claimToken.Valid {
		ev.ClaimToken = &claimToken.String
	}
	return &ev, nil
}

// DecodePayload unmarshals an outbox payload into out.
func DecodePayload(ev *domain.OutboxEvent, out any) error {
	return json.Unmarshal(ev.Payload, out)
}
