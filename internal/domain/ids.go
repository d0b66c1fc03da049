// Package domain contains entities without logic, just meta-data.
package domain

import "github.com/google/uuid"

// Typed ids over uuid.UUID. The 16-byte representation is what the voice
// datagram header carries, so ids stay fixed-size and cheap as map keys.

type (
	ServerID  uuid.UUID
	UserID    uuid.UUID
	ChannelID uuid.UUID
	MessageID uuid.UUID
)

// EventID is an outbox event id: a UUIDv7 rendered as a string, so ids are
// time-ordered and lexicographically sortable.
type EventID string

func NewChannelID() ChannelID { return ChannelID(uuid.New()) }
func NewMessageID() MessageID { return MessageID(uuid.New()) }

// NewEventID panics only if the system clock/entropy source is broken.
func NewEventID() EventID {
	u, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return EventID(u.String())
}

func (id ServerID) String() string  { return uuid.UUID(id).String() }
func (id UserID) String() string    { return uuid.UUID(id).String() }
func (id ChannelID) String() string { return uuid.UUID(id).String() }
func (id MessageID) String() string { return uuid.UUID(id).String() }

func (id ServerID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id UserID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id ChannelID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id MessageID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *ServerID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = ServerID(u)
	return nil
}

func (id *UserID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = UserID(u)
	return nil
}

func (id *ChannelID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = ChannelID(u)
	return nil
}

func (id *MessageID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

func ParseServerID(s string) (ServerID, error) {
	u, err := uuid.Parse(s)
	return ServerID(u), err
}

func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	return UserID(u), err
}

func ParseChannelID(s string) (ChannelID, error) {
	u, err := uuid.Parse(s)
	return ChannelID(u), err
}

func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	return MessageID(u), err
}

func (id UserID) IsZero() bool    { return id == UserID(uuid.Nil) }
func (id ChannelID) IsZero() bool { return id == ChannelID(uuid.Nil) }
