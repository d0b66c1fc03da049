package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"

	"github.com/dkeye/Chorus/internal/domain"
)

// Voice datagram layout: a fixed header followed by opaque codec bytes.
//
//	 0: channel id     (16 bytes)
//	16: sender user id (16 bytes)
//	32: sequence       (u32, network order)
//	36: timestamp ms   (u32, network order)
//	40: flags          (u8)
//	41: payload
const VoiceHeaderLen = 41

const (
	// VoiceFlagVAD marks frames the sender's voice activity detector passed.
	VoiceFlagVAD = 1 << 0
	// VoiceFlagFEC marks frames carrying in-band forward error correction.
	VoiceFlagFEC = 1 << 1
)

var ErrDatagramTooShort = errors.New("voice datagram too short")

type VoiceHeader struct {
	ChannelID   domain.ChannelID
	SenderID    domain.UserID
	Sequence    uint32
	TimestampMS uint32
	Flags       uint8
}

// AppendVoice appends header + payload to dst and returns the result.
func AppendVoice(dst []byte, h VoiceHeader, payload []byte) []byte {
	var hdr [VoiceHeaderLen]byte
	copy(hdr[0:16], h.ChannelID[:])
	copy(hdr[16:32], h.SenderID[:])
	binary.BigEndian.PutUint32(hdr[32:36], h.Sequence)
	binary.BigEndian.PutUint32(hdr[36:40], h.TimestampMS)
	hdr[40] = h.Flags
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ParseVoice splits a datagram into header and payload. The payload slice
// aliases the input; callers must treat it as read-only.
func ParseVoice(b []byte) (VoiceHeader, []byte, error) {
	if len(b) < VoiceHeaderLen {
		return VoiceHeader{}, nil, ErrDatagramTooShort
	}
	var h VoiceHeader
	var ch, snd uuid.UUID
	copy(ch[:], b[0:16])
	copy(snd[:], b[16:32])
	h.ChannelID = domain.ChannelID(ch)
	h.SenderID = domain.UserID(snd)
	h.Sequence = binary.BigEndian.Uint32(b[32:36])
	h.TimestampMS = binary.BigEndian.Uint32(b[36:40])
	h.Flags = b[40]
	return h, b[VoiceHeaderLen:], nil
}
