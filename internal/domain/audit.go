package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is append-only.
type AuditEntry struct {
	ID         string    `json:"id"`
	ServerID   ServerID  `json:"server_id"`
	ActorID    *UserID   `json:"actor_id,omitempty"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Context    []byte    `json:"context,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewAuditEntry(server ServerID, actor *UserID, action, targetType, targetID string, context []byte) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.NewString(),
		ServerID:   server,
		ActorID:    actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Context:    context,
		CreatedAt:  time.Now().UTC(),
	}
}
