package protocol

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// DefaultMaxFrameBytes bounds a single control frame on the wire.
const DefaultMaxFrameBytes = 256 * 1024

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrZeroFrame     = errors.New("zero-length frame")
)

// WriteFrame writes one varint length-prefixed JSON frame.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	var prefix [10]byte
	n := putUvarint(prefix[:], uint64(len(body)))
	if _, err := w.Write(prefix[:n]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one varint length-prefixed JSON frame, rejecting frames
// larger than maxBytes before buffering them.
func ReadFrame(r io.Reader, maxBytes int) (*Frame, error) {
	size, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, ErrZeroFrame
	}
	if size > uint64(maxBytes) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxBytes)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &f, nil
}

func putUvarint(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

func readUvarint(r io.Reader) (uint64, error) {
	var result uint64
	var shift uint
	var one [1]byte
	for i := 0; i < 10; i++ {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return 0, err
		}
		b := one[0]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, errors.New("varint too long")
}
