// Package core holds the session model and the small interfaces adapters
// implement. It reaches transport resources only through those interfaces;
// Session.Close closes them via ControlPush and Conn.
package core

import (
	"context"
	"errors"
	"io"

	"github.com/dkeye/Chorus/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

type SessionID string

// ControlPush enqueues a server-push frame toward one client without
// blocking. Owned by the adapter; the adapter must Close() it.
type ControlPush interface {
	TrySendFrame(*protocol.Frame) error
	Close()
}

// Conn is the transport handle the gateway receives per accepted connection.
// Control streams are reliable and ordered; datagrams are neither.
type Conn interface {
	// AcceptControlStream blocks until the client opens its control stream.
	AcceptControlStream(ctx context.Context) (io.ReadWriteCloser, error)
	SendDatagram([]byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Close(code protocol.ErrorCode, reason string)
}
