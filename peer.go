package mark46

import (
	"encoding/hex"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// PeerState is the lifecycle position of a peer. Transitions only move
// forward: Pending to Connected to Disconnected, or Pending straight to
// Disconnected.
type PeerState int32

const (
	StatePending PeerState = iota
	StateConnected
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// peerIDPrefix starts every peer identifier.
const peerIDPrefix = "MK"

// newPeerID derives an id from a fresh UUIDv4: the prefix plus the last
// six random bytes as twelve uppercase hex characters.
func newPeerID() string {
	u := uuid.New()
	return peerIDPrefix + strings.ToUpper(hex.EncodeToString(u[10:]))
}

// Peer is one remote client as seen by application hooks.
//
// Info and Settings belong to the application: mutate them only from this
// peer's own hook callbacks, which the server invokes serially.
type Peer struct {
	// ID is "MK" followed by twelve uppercase hex characters, unique for
	// the server's lifetime.
	ID string

	RemoteAddr string
	RemotePort int

	// Info always carries client_id = ID and is echoed to the peer in the
	// authentication reply.
	Info map[string]any

	// Settings starts as {online: false}.
	Settings map[string]any

	state atomic.Int32
	conn  *conn
}

func newPeer(remoteAddr string, remotePort int) *Peer {
	id := newPeerID()
	return &Peer{
		ID:         id,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
		Info:       map[string]any{"client_id": id},
		Settings:   map[string]any{"online": false},
	}
}

// State reports the current lifecycle state. Safe from any goroutine.
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

func (p *Peer) setState(s PeerState) {
	p.state.Store(int32(s))
}

// Verified reports whether the peer has passed the authentication gate.
func (p *Peer) Verified() bool {
	return p.conn != nil && p.conn.isVerified()
}

// Send encodes data under code and writes one binary frame to this peer.
func (p *Peer) Send(code uint16, data any) error {
	return p.conn.send(code, data)
}

// Close performs the ordered close handshake with the given status.
func (p *Peer) Close(st Status) error {
	return p.conn.closeWithStatus(st)
}
