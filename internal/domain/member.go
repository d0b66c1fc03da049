package domain

import (
	"errors"
	"time"
)

const MaxDisplayNameLen = 64

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// Member represents a user's durable participation in a channel.
// At most one row per (channel, user).
type Member struct {
	ChannelID   ChannelID `json:"channel_id"`
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Muted       bool      `json:"muted"`
	Deafened    bool      `json:"deafened"`
	JoinedAt    time.Time `json:"joined_at"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(channel ChannelID, user UserID, displayName string) (*Member, error) {
	if displayName == "" {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Member{
		ChannelID:   channel,
		UserID:      user,
		DisplayName: displayName,
		JoinedAt:    time.Now().UTC(),
	}, nil
}
