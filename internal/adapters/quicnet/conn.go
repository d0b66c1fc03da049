// Package quicnet terminates client QUIC connections: one reliable control
// stream and unreliable voice datagrams per connection.
package quicnet

import (
	"context"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/dkeye/Chorus/internal/core"
	"github.com/dkeye/Chorus/internal/protocol"
)

// Conn wraps a QUIC connection behind core.Conn.
type Conn struct {
	qc *quic.Conn
}

func newConn(qc *quic.Conn) *Conn { return &Conn{qc: qc} }

func (c *Conn) AcceptControlStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.qc.AcceptStream(ctx)
}

func (c *Conn) SendDatagram(b []byte) error {
	return c.qc.SendDatagram(b)
}

func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.qc.ReceiveDatagram(ctx)
}

func (c *Conn) RemoteAddr() string {
	return c.qc.RemoteAddr().String()
}

func (c *Conn) Close(code protocol.ErrorCode, reason string) {
	_ = c.qc.CloseWithError(quic.ApplicationErrorCode(protocol.AppErrorCode(code)), reason)
}

// Context is done when the connection closes for any reason.
func (c *Conn) Context() context.Context { return c.qc.Context() }

var _ core.Conn = (*Conn)(nil)
