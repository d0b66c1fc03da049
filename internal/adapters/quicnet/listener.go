package quicnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/protocol"
)

type ListenConfig struct {
	Addr           string
	TLSCert        string
	TLSKey         string
	ALPN           string
	MaxConnections int
	KeepAlive      time.Duration
}

// Listener accepts QUIC connections and enforces the concurrent connection
// cap at accept time; excess connections are closed with server_busy before
// any stream work happens.
type Listener struct {
	ln     *quic.Listener
	max    int
	active atomic.Int64
}

func Listen(cfg ListenConfig) (*Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{cfg.ALPN},
		MinVersion:   tls.VersionTLS13,
	}

	quicConf := &quic.Config{
		EnableDatagrams:       true,
		KeepAlivePeriod:       cfg.KeepAlive,
		MaxIncomingStreams:    8,
		MaxIncomingUniStreams: 8,
	}

	ln, err := quic.ListenAddr(cfg.Addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	log.Info().Str("module", "quicnet").Str("addr", cfg.Addr).Str("alpn", cfg.ALPN).Msg("listening")
	return &Listener{ln: ln, max: cfg.MaxConnections}, nil
}

// Accept blocks for the next admitted connection. Connections above the cap
// are rejected here and never surface to the caller.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		qc, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		if l.max > 0 && l.active.Load() >= int64(l.max) {
			log.Warn().Str("module", "quicnet").Str("remote", qc.RemoteAddr().String()).Msg("connection limit reached")
			_ = qc.CloseWithError(
				quic.ApplicationErrorCode(protocol.AppErrorCode(protocol.CodeServerBusy)),
				"server_busy")
			continue
		}
		l.active.Add(1)
		go func() {
			<-qc.Context().Done()
			l.active.Add(-1)
		}()
		return newConn(qc), nil
	}
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) Close() error { return l.ln.Close() }

// ActiveConnections reports how many admitted connections are still open.
func (l *Listener) ActiveConnections() int64 { return l.active.Load() }
