package store

import (
	"context"
	"database/sql"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Chorus/internal/authz"
	"github.com/dkeye/Chorus/internal/domain"
)

// ResolveEffectiveCapabilities collects the rule tiers AuthZ composes:
// channel overrides for (channel, user) and every rule from roles the user
// holds. Read-only; safe under snapshot isolation.
func (s *Store) ResolveEffectiveCapabilities(ctx context.Context, user domain.UserID, channel domain.ChannelID) (authz.RuleSet, error) {
	var rs authz.RuleSet

	if !channel.IsZero() {
		rows, err := s.db.QueryContext(ctx, `
			SELECT capability, effect FROM channel_overrides
			WHERE channel_id = ? AND user_id = ?`,
			channel.String(), user.String())
		if err != nil {
			return rs, err
		}
		rs.Overrides, err = scanRules(rows)
		if err != nil {
			return rs, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rc.capability, rc.effect
		FROM user_roles ur
		JOIN role_capabilities rc
		  ON rc.server_id = ur.server_id AND rc.role_id = ur.role_id
		WHERE ur.server_id = ? AND ur.user_id = ?`,
		s.server.String(), user.String())
	if err != nil {
		return rs, err
	}
	rs.RoleRules, err = scanRules(rows)
	return rs, err
}

func scanRules(rows *sql.Rows) ([]domain.CapabilityRule, error) {
	defer rows.Close()
	var out []domain.CapabilityRule
	for rows.Next() {
		var r domain.CapabilityRule
		if err := rows.Scan(&r.Capability, &r.Effect); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRole creates or renames a role.
func (s *Store) UpsertRole(ctx context.Context, role *domain.Role) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO roles (server_id, id, name) VALUES (?, ?, ?)
			ON CONFLICT (server_id, id) DO UPDATE SET name = excluded.name`,
			role.ServerID.String(), role.ID, role.Name)
		return err
	})
}

// SetRoleCapability attaches a (capability, effect) pair to a role and emits
// a caps-changed event so cached snapshots of every holder are refreshed.
func (s *Store) SetRoleCapability(ctx context.Context, actor domain.UserID, roleID string, cap domain.Capability, effect domain.Effect) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO role_capabilities (server_id, role_id, capability, effect)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (server_id, role_id, capability) DO UPDATE SET effect = excluded.effect`,
			s.server.String(), roleID, string(cap), string(effect)); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT user_id FROM user_roles WHERE server_id = ? AND role_id = ?`,
			s.server.String(), roleID)
		if err != nil {
			return err
		}
		holders, err := scanUserIDs(rows)
		if err != nil {
			return err
		}
		for _, uid := range holders {
			if err := enqueueCapsChanged(ctx, tx, s.server, uid); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &actor, "role.set_capability", "role", roleID,
			mustJSON(map[string]any{"capability": cap, "effect": effect})))
	})
}

// AssignRole grants a role to a user.
func (s *Store) AssignRole(ctx context.Context, actor domain.UserID, user domain.UserID, roleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (server_id, user_id, role_id) VALUES (?, ?, ?)
			ON CONFLICT (server_id, user_id, role_id) DO NOTHING`,
			s.server.String(), user.String(), roleID); err != nil {
			return err
		}
		if err := enqueueCapsChanged(ctx, tx, s.server, user); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &actor, "role.assign", "user", user.String(),
			mustJSON(map[string]any{"role_id": roleID})))
	})
}

// SetChannelOverride pins a per-channel capability effect for one user.
func (s *Store) SetChannelOverride(ctx context.Context, actor domain.UserID, channel domain.ChannelID, user domain.UserID, cap domain.Capability, effect domain.Effect) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_overrides (channel_id, user_id, capability, effect)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (channel_id, user_id, capability) DO UPDATE SET effect = excluded.effect`,
			channel.String(), user.String(), string(cap), string(effect)); err != nil {
			return err
		}
		if err := enqueueCapsChanged(ctx, tx, s.server, user); err != nil {
			return err
		}
		return insertAudit(ctx, tx, domain.NewAuditEntry(
			s.server, &actor, "channel.set_override", "channel", channel.String(),
			mustJSON(map[string]any{"user_id": user.String(), "capability": cap, "effect": effect})))
	})
}

func enqueueCapsChanged(ctx context.Context, tx *sql.Tx, server domain.ServerID, user domain.UserID) error {
	payload, err := json.Marshal(domain.ModerationPayload{
		Kind:         domain.ModerationCapsChanged,
		TargetUserID: user,
	})
	if err != nil {
		return err
	}
	return insertOutbox(ctx, tx, domain.NewOutboxEvent(server, domain.TopicModeration, user.String(), payload))
}

func scanUserIDs(rows *sql.Rows) ([]domain.UserID, error) {
	defer rows.Close()
	var out []domain.UserID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		uid, err := domain.ParseUserID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}
