package domain

import (
	"errors"
	"time"
)

const MaxChannelNameLen = 64

var (
	ErrChannelNameEmpty   = errors.New("channel name empty")
	ErrChannelNameTooLong = errors.New("channel name too long")
)

// Channel is a named room users may occupy for voice and chat.
// Parent links form a tree; deleting a parent breaks the link on children.
type Channel struct {
	ID         ChannelID  `json:"id"`
	ServerID   ServerID   `json:"server_id"`
	Name       string     `json:"name"`
	ParentID   *ChannelID `json:"parent_id,omitempty"`
	MaxMembers *int       `json:"max_members,omitempty"`
	MaxTalkers *int       `json:"max_talkers,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewChannel validates the name and stamps a fresh id.
func NewChannel(server ServerID, name string, parent *ChannelID, maxMembers, maxTalkers *int) (*Channel, error) {
	if name == "" {
		return nil, ErrChannelNameEmpty
	}
	if len(name) > MaxChannelNameLen {
		return nil, ErrChannelNameTooLong
	}
	now := time.Now().UTC()
	return &Channel{
		ID:         NewChannelID(),
		ServerID:   server,
		Name:       name,
		ParentID:   parent,
		MaxMembers: maxMembers,
		MaxTalkers: maxTalkers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
