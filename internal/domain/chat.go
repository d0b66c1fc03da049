package domain

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrMessageEmpty = errors.New("message text empty")
)

// ChatMessage is retained for history replay on join.
// Attachments is an opaque structured blob (JSON), bounded by config.
type ChatMessage struct {
	ID           MessageID       `json:"id"`
	ServerID     ServerID        `json:"server_id"`
	ChannelID    ChannelID       `json:"channel_id"`
	AuthorUserID UserID          `json:"author_user_id"`
	Text         string          `json:"text"`
	Attachments  json.RawMessage `json:"attachments,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
