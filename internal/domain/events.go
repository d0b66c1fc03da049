package domain

// Outbox payload schemas. The store writes them, the dispatcher reads them;
// clients never see these shapes directly.

const (
	PresenceJoin   = "join"
	PresenceLeave  = "leave"
	PresenceMute   = "mute"
	PresenceDeafen = "deafen"
	PresenceMove   = "move"
)

type PresencePayload struct {
	Kind        string    `json:"kind"`
	ChannelID   ChannelID `json:"channel_id"`
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Muted       bool      `json:"muted"`
	Deafened    bool      `json:"deafened"`
}

type ChatPayload struct {
	Message ChatMessage `json:"message"`
}

const (
	ModerationUserMuted   = "user_muted"
	ModerationCapsChanged = "caps_changed"
	ModerationEventDead   = "event_dead"
)

type ModerationPayload struct {
	Kind         string    `json:"kind"`
	ChannelID    ChannelID `json:"channel_id,omitempty"`
	ActorUserID  UserID    `json:"actor_user_id,omitempty"`
	TargetUserID UserID    `json:"target_user_id,omitempty"`
	Muted        bool      `json:"muted,omitempty"`
}

const (
	ChannelCreated = "created"
	ChannelDeleted = "deleted"
)

type ChannelPayload struct {
	Kind    string  `json:"kind"`
	Channel Channel `json:"channel"`
}
