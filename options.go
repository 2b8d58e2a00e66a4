package mark46

import (
	"crypto/tls"
	"errors"
	"log/slog"

	"mark46/banstore"
)

// Default listen address, used by the daemon's configuration defaults. A
// zero Port in Options binds an ephemeral port instead.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 4646
)

var (
	// ErrConnectionClosed reports a write attempted after the close
	// handshake started or the transport went away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMaxPayload reports an outgoing signal at or over the payload cap.
	ErrMaxPayload = errors.New("signal exceeds max payload")

	// ErrServerClosed reports an operation on a stopped server.
	ErrServerClosed = errors.New("server closed")

	// ErrAlreadyStarted reports a second Start on the same server.
	ErrAlreadyStarted = errors.New("server already started")
)

// Options configures a Server. The zero value listens on an ephemeral port
// on all interfaces with no limits.
type Options struct {
	Host string
	Port int

	// TLS serves the listener through TLSConfig.
	TLS       bool
	TLSConfig *tls.Config

	// MaxPayload bounds each message's accumulated payload bytes, on both
	// the receive and the send path. 0 disables the bound.
	MaxPayload uint64

	// MaxClients caps concurrently connected (authenticated) peers; the
	// overflow peer is refused with code 5102. 0 means unlimited.
	MaxClients int

	// MaxSockets caps accepted TCP connections before the handshake,
	// guarding the listener itself. 0 means unlimited.
	MaxSockets int

	// ProxyProtocol parses a PROXY v1/v2 header on every accepted
	// connection, so peers keep their real addresses behind an LB.
	ProxyProtocol bool

	// Bans is consulted for every new connection and records runtime
	// bans. Defaults to an in-process store.
	Bans banstore.Store

	// Logger receives all server logging. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Bans == nil {
		o.Bans = banstore.NewMemory()
	}
	return o
}
