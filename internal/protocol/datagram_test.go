package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Chorus/internal/domain"
)

func TestVoiceRoundTrip(t *testing.T) {
	ch := domain.NewChannelID()
	sender := domain.UserID(uuid.New())

	h := VoiceHeader{
		ChannelID:   ch,
		SenderID:    sender,
		Sequence:    42,
		TimestampMS: 123456,
		Flags:       VoiceFlagVAD,
	}
	payload := []byte("opus-frame-bytes")

	dg := AppendVoice(nil, h, payload)
	assert.Len(t, dg, VoiceHeaderLen+len(payload))

	got, body, err := ParseVoice(dg)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, payload, body)
}

func TestParseVoiceTooShort(t *testing.T) {
	_, _, err := ParseVoice(make([]byte, VoiceHeaderLen-1))
	require.ErrorIs(t, err, ErrDatagramTooShort)
}

func TestParseVoiceSharesPayload(t *testing.T) {
	dg := AppendVoice(nil, VoiceHeader{Sequence: 1}, []byte{1, 2, 3})
	_, body, err := ParseVoice(dg)
	require.NoError(t, err)
	// The payload is a view into the datagram, not a copy.
	assert.Equal(t, &dg[VoiceHeaderLen], &body[0])
}
