package mark46

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/net/netutil"

	"mark46/banstore"
	"mark46/internal/wire"
	"mark46/internal/workerutil"
	"mark46/signal"
)

// handshakeTimeout bounds the read of the HTTP upgrade request so an idle
// TCP connection cannot pin a goroutine before the verify deadline exists.
const handshakeTimeout = 10 * time.Second

const (
	stateIdle int32 = iota
	stateRunning
	stateClosed
)

// Server accepts raw TCP (or TLS) connections, upgrades them, and routes
// signals between verified peers. Create with New, then Start or
// ListenAndServe.
type Server struct {
	opts Options
	log  *slog.Logger
	bans banstore.Store

	listeners listeners
	registry  *registry

	// Runtime-adjustable limits, see SetLimits.
	maxPayload atomic.Uint64
	maxClients atomic.Int64

	verifyTimeout time.Duration

	state  atomic.Int32
	cancel context.CancelFunc

	// mu guards ln, socks and conns. socks holds accepted transports
	// still in the handshake; conns holds upgraded connections. Never
	// held while writing to a transport or firing hooks.
	mu    sync.Mutex
	ln    net.Listener
	socks map[net.Conn]struct{}
	conns map[*conn]struct{}

	wg sync.WaitGroup
}

// New creates a stopped server. opts is copied; later changes to it are
// not seen.
func New(opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:          opts,
		log:           opts.Logger,
		bans:          opts.Bans,
		registry:      newRegistry(),
		verifyTimeout: verifyTimeout,
		socks:         make(map[net.Conn]struct{}),
		conns:         make(map[*conn]struct{}),
	}
	s.maxPayload.Store(opts.MaxPayload)
	s.maxClients.Store(int64(opts.MaxClients))
	return s
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start() error {
	if s.opts.TLS && s.opts.TLSConfig == nil {
		return errors.New("tls enabled without a tls config")
	}
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		if s.state.Load() == stateClosed {
			return ErrServerClosed
		}
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(stateClosed)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.opts.MaxSockets > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxSockets)
	}
	if s.opts.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	if s.opts.TLS {
		ln = tls.NewListener(ln, s.opts.TLSConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("[server] listening", "addr", ln.Addr().String(), "tls", s.opts.TLS)
	workerutil.RunWithPanicRecovery(ctx, "accept-loop", &s.wg, s.acceptLoop, workerutil.RecoveryOptions{
		Logger:     s.log,
		IsShutdown: func() bool { return s.state.Load() != stateRunning },
	})
	return nil
}

// ListenAndServe starts the server and blocks until ctx is cancelled, then
// shuts down, allowing peers the close grace period to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*closeGracePeriod)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, ErrServerClosed) {
		return err
	}
	return nil
}

// Addr reports the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, closes every peer with 1001 Going Away, and
// waits for connection goroutines to finish or ctx to expire, whichever
// comes first. On ctx expiry the remaining transports are destroyed.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateRunning, stateClosed) {
		return ErrServerClosed
	}
	s.log.Info("[server] shutting down", "clients", s.registry.count())

	s.mu.Lock()
	ln := s.ln
	cancel := s.cancel
	socks := make([]net.Conn, 0, len(s.socks))
	for nc := range s.socks {
		socks = append(socks, nc)
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	for _, nc := range socks {
		nc.Close()
	}
	st := Status{Code: wire.CloseGoingAway, Reason: "Server is shutting down."}
	for _, c := range conns {
		c.closeWithStatus(st)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("[server] stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		remaining := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			remaining = append(remaining, c)
		}
		s.mu.Unlock()
		for _, c := range remaining {
			c.nc.Close()
		}
		s.log.Warn("[server] shutdown deadline hit, transports destroyed", "remaining", len(remaining))
		return ctx.Err()
	}
}

// SetLimits replaces the payload and client caps at runtime. The payload
// cap applies to new connections' receive side and to every send; the
// client cap applies to new authentications. 0 disables a limit.
func (s *Server) SetLimits(maxPayload uint64, maxClients int) {
	s.maxPayload.Store(maxPayload)
	s.maxClients.Store(int64(maxClients))
	s.log.Info("[server] limits updated", "maxPayload", maxPayload, "maxClients", maxClients)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			s.log.Error("[server] accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

// handleConn reads the upgrade request, applies the handshake gate, and
// promotes the transport into a connection. It owns the socket until the
// upgrade succeeds.
func (s *Server) handleConn(nc net.Conn) {
	s.mu.Lock()
	s.socks[nc] = struct{}{}
	s.mu.Unlock()

	upgraded := false
	defer func() {
		if !upgraded {
			s.mu.Lock()
			delete(s.socks, nc)
			s.mu.Unlock()
			nc.Close()
		}
	}()

	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	br := bufio.NewReader(nc)
	req, err := http.ReadRequest(br)
	if err != nil {
		s.log.Debug("[handshake] unreadable request", "addr", nc.RemoteAddr().String(), "error", err)
		return
	}
	if s.state.Load() != stateRunning {
		writeHandshakeFailure(nc, http.StatusServiceUnavailable)
		return
	}
	if err := validateUpgrade(req); err != nil {
		s.log.Debug("[handshake] rejected", "addr", nc.RemoteAddr().String(), "error", err)
		writeHandshakeFailure(nc, http.StatusBadRequest)
		return
	}
	nc.SetReadDeadline(time.Time{})
	setNoDelay(nc)

	host, port := splitRemote(nc.RemoteAddr())
	peer := newPeer(host, port)
	if err := writeUpgradeResponse(nc, req.Header.Get("Sec-WebSocket-Key"),
		req.Header.Get("Sec-WebSocket-Protocol"), peer.ID); err != nil {
		s.log.Debug("[handshake] response write failed", "addr", nc.RemoteAddr().String(), "error", err)
		return
	}
	s.log.Debug("[handshake] upgraded", "peer", peer.ID, "addr", host, "port", port)

	c := newConn(s, peer, nc, br)
	upgraded = true
	s.mu.Lock()
	delete(s.socks, nc)
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if rec, found, err := s.bans.Lookup(host); err != nil {
		s.log.Warn("[server] ban lookup failed", "addr", host, "error", err)
	} else if found {
		s.log.Info("[server] banned address refused", "peer", peer.ID, "addr", host, "by", rec.By)
		c.closeWithStatus(StatusBanned(rec.By, rec.Length, rec.Reason))
	}
	c.start(s.verifyTimeout)
}

// release forgets a finished connection. Called exactly once per conn,
// from its Disconnected transition.
func (s *Server) release(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.registry.remove(c.peer.ID)
	s.registry.leaveAll(c.peer.ID, nil)
}

// OnAuthentication subscribes to client.authentication. Every subscriber
// must accept for a peer to connect.
func (s *Server) OnAuthentication(fn AuthenticationHandler) Handle {
	return s.listeners.onAuthentication(fn)
}

// OnConnected subscribes to client.connected.
func (s *Server) OnConnected(fn ConnectedHandler) Handle {
	return s.listeners.onConnected(fn)
}

// OnDisconnected subscribes to client.disconnected.
func (s *Server) OnDisconnected(fn DisconnectedHandler) Handle {
	return s.listeners.onDisconnected(fn)
}

// OnSignal subscribes to client.signal.
func (s *Server) OnSignal(fn SignalHandler) Handle {
	return s.listeners.onSignal(fn)
}

// Off removes a subscription by its event and handle. Handles are never
// reused, so a stale Off is harmless.
func (s *Server) Off(event Event, h Handle) bool {
	return s.listeners.off(event, h)
}

// Broadcast sends one signal to every connected peer except the listed
// ids. The signal is encoded once. Reports how many peers were written.
func (s *Server) Broadcast(code uint16, data any, except ...string) (int, error) {
	return s.broadcast("", code, data, except)
}

// BroadcastRoom is Broadcast restricted to a room's members. A peer that
// joined twice still receives one copy.
func (s *Server) BroadcastRoom(room string, code uint16, data any, except ...string) (int, error) {
	return s.broadcast(room, code, data, except)
}

func (s *Server) broadcast(room string, code uint16, data any, except []string) (int, error) {
	msg, err := signal.Encode(code, data)
	if err != nil {
		return 0, err
	}
	if max := s.maxPayload.Load(); max > 0 && uint64(len(msg)) >= max {
		return 0, ErrMaxPayload
	}
	frame := wire.Frame(true, wire.OpBinary, msg)

	var excluded map[string]struct{}
	if len(except) > 0 {
		excluded = make(map[string]struct{}, len(except))
		for _, id := range except {
			excluded[id] = struct{}{}
		}
	}
	peers := s.registry.snapshot(room, func(p *Peer) bool {
		_, skip := excluded[p.ID]
		return !skip
	})

	sent := 0
	for _, p := range peers {
		if p.conn.writeRaw(frame) == nil {
			sent++
		}
	}
	return sent, nil
}

// Join adds the peer to a room. Joining again appends again; the peer then
// counts twice in RoomCount but still receives broadcasts once.
func (s *Server) Join(room, id string) bool {
	if _, ok := s.registry.get(id); !ok {
		return false
	}
	s.registry.join(room, id)
	return true
}

// Leave removes all of the peer's entries from the room.
func (s *Server) Leave(room, id string) bool {
	return s.registry.leave(room, id)
}

// LeaveAll removes the peer from every room it is in.
func (s *Server) LeaveAll(id string) bool {
	return s.registry.leaveAll(id, nil)
}

// RoomCount reports the room's entry count, duplicate joins included.
func (s *Server) RoomCount(room string) int {
	return s.registry.countInRoom(room)
}

// Clients snapshots all connected peers.
func (s *Server) Clients() []*Peer {
	return s.registry.snapshot("", nil)
}

// Client looks up a connected peer by id.
func (s *Server) Client(id string) (*Peer, bool) {
	return s.registry.get(id)
}

// ClientCount reports the number of connected peers.
func (s *Server) ClientCount() int {
	return s.registry.count()
}

// Kick closes the peer's connection with the kicked status. by may be
// empty and renders as "anonymous".
func (s *Server) Kick(id, by, reason string) bool {
	p, ok := s.registry.get(id)
	if !ok {
		return false
	}
	s.log.Info("[server] kicking peer", "peer", id, "by", by, "reason", reason)
	p.conn.closeWithStatus(StatusKicked(by, reason))
	return true
}

// Ban records the peer's remote address in the ban store for d (0 means
// permanent) and closes its connection with the banned status. Further
// connections from that address are refused until the ban expires.
func (s *Server) Ban(id, by, reason string, d time.Duration) bool {
	p, ok := s.registry.get(id)
	if !ok {
		return false
	}
	now := time.Now()
	rec := banstore.Record{
		Addr:    p.RemoteAddr,
		By:      by,
		Length:  banLengthText(d),
		Reason:  reason,
		Created: now,
	}
	if d > 0 {
		rec.Expires = now.Add(d)
	}
	if err := s.bans.Add(rec); err != nil {
		s.log.Error("[server] ban record failed", "peer", id, "addr", p.RemoteAddr, "error", err)
	}
	s.log.Info("[server] banning peer", "peer", id, "addr", p.RemoteAddr, "by", by, "length", rec.Length)
	p.conn.closeWithStatus(StatusBanned(by, rec.Length, reason))
	return true
}

// banLengthText renders a ban duration for the close reason template.
// Zero means permanent, which the template shows as "? Days".
func banLengthText(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if days := d / (24 * time.Hour); days >= 1 {
		return fmt.Sprintf("%d Days", days)
	}
	return d.String()
}

// setNoDelay disables Nagle on the underlying TCP transport, unwrapping
// TLS and PROXY protocol layers as needed.
func setNoDelay(nc net.Conn) {
	for {
		switch v := nc.(type) {
		case *net.TCPConn:
			v.SetNoDelay(true)
			return
		case *tls.Conn:
			nc = v.NetConn()
		case *proxyproto.Conn:
			nc = v.Raw()
		default:
			return
		}
	}
}

// splitRemote breaks a transport address into host and numeric port.
func splitRemote(addr net.Addr) (string, int) {
	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return host, 0
	}
	return host, port
}
