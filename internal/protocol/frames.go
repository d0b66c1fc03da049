// Package protocol defines the control frame vocabulary and the voice
// datagram header. Frames are length-prefixed JSON envelopes on a reliable
// bidirectional stream; voice travels as unreliable datagrams.
package protocol

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Chorus/internal/domain"
)

type FrameType string

const (
	TypeAuthRequest     FrameType = "auth_request"
	TypeAuthResponse    FrameType = "auth_response"
	TypeJoinChannel     FrameType = "join_channel"
	TypeChannelSnapshot FrameType = "channel_snapshot"
	TypeLeaveChannel    FrameType = "leave_channel"
	TypeLeft            FrameType = "left"
	TypeSetMute         FrameType = "set_mute"
	TypeSetDeafen       FrameType = "set_deafen"
	TypeVoiceState      FrameType = "voice_state"
	TypePostChat        FrameType = "post_chat"
	TypeChatAck         FrameType = "chat_ack"
	TypeMoveChannel     FrameType = "move_channel"
	TypeMoved           FrameType = "moved"
	TypeCreateChannel   FrameType = "create_channel"
	TypeChannelCreated  FrameType = "channel_created"
	TypeListChannels    FrameType = "list_channels"
	TypeChannelList     FrameType = "channel_list"
	TypePing            FrameType = "ping"
	TypePong            FrameType = "pong"
	TypePresenceEvent   FrameType = "presence_event"
	TypeChatEvent       FrameType = "chat_event"
	TypeModerationEvent FrameType = "moderation_event"
	TypeError           FrameType = "error"
)

// Frame is the wire envelope. Corr correlates a response with its request;
// server pushes carry Corr == 0.
type Frame struct {
	Type FrameType       `json:"type"`
	Corr uint64          `json:"corr,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewFrame marshals body into an envelope.
func NewFrame(t FrameType, corr uint64, body any) (*Frame, error) {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Frame{Type: t, Corr: corr, Body: raw}, nil
}

// Decode unmarshals the frame body into out.
func (f *Frame) Decode(out any) error {
	return json.Unmarshal(f.Body, out)
}

type AuthRequest struct {
	Token string `json:"token"`
}

type AuthResponse struct {
	UserID   domain.UserID       `json:"user_id"`
	ServerID domain.ServerID     `json:"server_id"`
	Caps     []domain.Capability `json:"caps"`
	// Connection limits advertised to the client.
	MaxFrameBytes  int `json:"max_frame_bytes"`
	PingIntervalMS int `json:"ping_interval_ms"`
}

type JoinChannel struct {
	ChannelID   domain.ChannelID `json:"channel_id"`
	DisplayName string           `json:"display_name"`
}

type ChannelSnapshot struct {
	Channel    domain.Channel       `json:"channel"`
	Members    []domain.Member      `json:"members"`
	RecentChat []domain.ChatMessage `json:"recent_chat"`
}

type LeaveChannel struct{}

type Left struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

// SetMute with a zero TargetUserID targets the sender itself.
type SetMute struct {
	TargetUserID domain.UserID `json:"target_user_id"`
	Muted        bool          `json:"muted"`
}

type SetDeafen struct {
	TargetUserID domain.UserID `json:"target_user_id"`
	Deafened     bool          `json:"deafened"`
}

type VoiceState struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	UserID    domain.UserID    `json:"user_id"`
	Muted     bool             `json:"muted"`
	Deafened  bool             `json:"deafened"`
}

type PostChat struct {
	ChannelID   domain.ChannelID `json:"channel_id"`
	Text        string           `json:"text"`
	Attachments json.RawMessage  `json:"attachments,omitempty"`
}

// ChatAck confirms persistence only; delivery happens via ChatEvent.
type ChatAck struct {
	MessageID domain.MessageID `json:"message_id"`
}

type MoveChannel struct {
	TargetUserID domain.UserID    `json:"target_user_id"`
	ToChannelID  domain.ChannelID `json:"to_channel_id"`
}

type Moved struct {
	UserID      domain.UserID    `json:"user_id"`
	ToChannelID domain.ChannelID `json:"to_channel_id"`
}

type CreateChannel struct {
	Name       string            `json:"name"`
	ParentID   *domain.ChannelID `json:"parent_id,omitempty"`
	MaxMembers *int              `json:"max_members,omitempty"`
	MaxTalkers *int              `json:"max_talkers,omitempty"`
}

type ChannelCreated struct {
	Channel domain.Channel `json:"channel"`
}

type ListChannels struct{}

type ChannelList struct {
	Channels []domain.Channel `json:"channels"`
}

type Ping struct {
	Nonce uint64 `json:"nonce"`
}

type Pong struct {
	Nonce        uint64 `json:"nonce"`
	ServerTimeMS int64  `json:"server_time_ms"`
}

type PresenceKind string

const (
	PresenceJoin   PresenceKind = "join"
	PresenceLeave  PresenceKind = "leave"
	PresenceMute   PresenceKind = "mute"
	PresenceDeafen PresenceKind = "deafen"
	PresenceMove   PresenceKind = "move"
)

type PresenceEvent struct {
	EventID     domain.EventID   `json:"event_id"`
	Kind        PresenceKind     `json:"kind"`
	ChannelID   domain.ChannelID `json:"channel_id"`
	UserID      domain.UserID    `json:"user_id"`
	DisplayName string           `json:"display_name,omitempty"`
	Muted       bool             `json:"muted"`
	Deafened    bool             `json:"deafened"`
	At          time.Time        `json:"at"`
}

type ChatEvent struct {
	EventID domain.EventID     `json:"event_id"`
	Message domain.ChatMessage `json:"message"`
}

type ModerationEvent struct {
	EventID      domain.EventID   `json:"event_id"`
	Kind         string           `json:"kind"`
	ChannelID    domain.ChannelID `json:"channel_id"`
	ActorUserID  domain.UserID    `json:"actor_user_id"`
	TargetUserID domain.UserID    `json:"target_user_id"`
	Muted        bool             `json:"muted"`
	At           time.Time        `json:"at"`
}

type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}
