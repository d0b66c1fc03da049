package quicnet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quic-go/quic-go"
)

type DialConfig struct {
	Addr       string
	ALPN       string
	ServerName string
	// CABundle is a PEM file trusted for server verification.
	CABundle string
	// CertPinSHA256 is the hex SHA-256 of the server's leaf certificate.
	// When set it replaces chain verification entirely.
	CertPinSHA256 string
	KeepAlive     time.Duration
}

// Dial connects to a gateway, validating the server either against a CA
// bundle or a pinned leaf certificate hash.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	tlsConf := &tls.Config{
		NextProtos: []string{cfg.ALPN},
		ServerName: cfg.ServerName,
		MinVersion: tls.VersionTLS13,
	}

	switch {
	case cfg.CertPinSHA256 != "":
		pin, err := hex.DecodeString(cfg.CertPinSHA256)
		if err != nil || len(pin) != sha256.Size {
			return nil, errors.New("cert pin must be 32 hex-encoded bytes")
		}
		tlsConf.InsecureSkipVerify = true
		tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("server presented no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(sum[:], pin) {
				return errors.New("server certificate does not match pin")
			}
			return nil
		}
	case cfg.CABundle != "":
		pem, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in ca bundle")
		}
		tlsConf.RootCAs = pool
	default:
		return nil, errors.New("either ca bundle or cert pin is required")
	}

	qc, err := quic.DialAddr(ctx, cfg.Addr, tlsConf, &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: cfg.KeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}
	return newConn(qc), nil
}

// OpenControlStream opens the client side of the control stream.
func (c *Conn) OpenControlStream(ctx context.Context) (*quic.Stream, error) {
	return c.qc.OpenStreamSync(ctx)
}
