package mark46

import (
	"slices"
	"sync"
)

// Event names the four application hook points.
type Event string

const (
	EventAuthentication Event = "client.authentication"
	EventConnected      Event = "client.connected"
	EventDisconnected   Event = "client.disconnected"
	EventSignal         Event = "client.signal"
)

// Handle identifies one subscription within its event for later removal.
type Handle int

// AuthenticationHandler vets a peer's credentials. Every subscribed
// handler must return true for the peer to connect.
type AuthenticationHandler func(p *Peer, credentials any) bool

// ConnectedHandler observes a peer entering Connected.
type ConnectedHandler func(p *Peer)

// DisconnectedHandler observes a peer leaving, with the close code and
// resolved reason.
type DisconnectedHandler func(p *Peer, code uint16, reason string)

// SignalHandler receives every signal from a verified peer.
type SignalHandler func(p *Peer, code uint16, data []byte)

// listeners holds the per-event subscriber tables. Tables are append-only;
// removal tombstones the slot with nil so handles stay stable and are
// never reused. Dispatch iterates a copy, so handlers may subscribe or
// unsubscribe freely during a callback.
type listeners struct {
	mu             sync.RWMutex
	authentication []AuthenticationHandler
	connected      []ConnectedHandler
	disconnected   []DisconnectedHandler
	signal         []SignalHandler
}

func (l *listeners) onAuthentication(fn AuthenticationHandler) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authentication = append(l.authentication, fn)
	return Handle(len(l.authentication) - 1)
}

func (l *listeners) onConnected(fn ConnectedHandler) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, fn)
	return Handle(len(l.connected) - 1)
}

func (l *listeners) onDisconnected(fn DisconnectedHandler) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, fn)
	return Handle(len(l.disconnected) - 1)
}

func (l *listeners) onSignal(fn SignalHandler) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signal = append(l.signal, fn)
	return Handle(len(l.signal) - 1)
}

// off tombstones the handle's slot. Reports whether a live subscription
// was removed.
func (l *listeners) off(event Event, h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch event {
	case EventAuthentication:
		if h >= 0 && int(h) < len(l.authentication) && l.authentication[h] != nil {
			l.authentication[h] = nil
			return true
		}
	case EventConnected:
		if h >= 0 && int(h) < len(l.connected) && l.connected[h] != nil {
			l.connected[h] = nil
			return true
		}
	case EventDisconnected:
		if h >= 0 && int(h) < len(l.disconnected) && l.disconnected[h] != nil {
			l.disconnected[h] = nil
			return true
		}
	case EventSignal:
		if h >= 0 && int(h) < len(l.signal) && l.signal[h] != nil {
			l.signal[h] = nil
			return true
		}
	}
	return false
}

// fireAuthentication AND-folds all subscribed handlers. No subscribers
// means the peer is accepted.
func (l *listeners) fireAuthentication(p *Peer, credentials any) bool {
	l.mu.RLock()
	fns := slices.Clone(l.authentication)
	l.mu.RUnlock()
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if !fn(p, credentials) {
			return false
		}
	}
	return true
}

func (l *listeners) fireConnected(p *Peer) {
	l.mu.RLock()
	fns := slices.Clone(l.connected)
	l.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(p)
		}
	}
}

func (l *listeners) fireDisconnected(p *Peer, code uint16, reason string) {
	l.mu.RLock()
	fns := slices.Clone(l.disconnected)
	l.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(p, code, reason)
		}
	}
}

func (l *listeners) fireSignal(p *Peer, code uint16, data []byte) {
	l.mu.RLock()
	fns := slices.Clone(l.signal)
	l.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(p, code, data)
		}
	}
}
