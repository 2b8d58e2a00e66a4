package mark46

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"mark46/internal/wire"
	"mark46/signal"
)

const (
	// verifyTimeout is how long a peer may stay unverified after the
	// upgrade before its transport is destroyed.
	verifyTimeout = 7 * time.Second

	// closeGracePeriod bounds the wait for the peer's close reply after a
	// locally initiated close.
	closeGracePeriod = 5 * time.Second

	readBufferSize = 4096
)

// conn drives one upgraded transport: it feeds the frame receiver, runs
// the verification gate, and owns the single Disconnected transition.
//
// Locking: mu guards lifecycle fields, writeMu serializes transport
// writes. Neither is ever held while the other is taken, and no lock is
// held across an application hook.
type conn struct {
	srv  *Server
	peer *Peer
	nc   net.Conn
	br   *bufio.Reader
	log  *slog.Logger

	receiver *wire.Receiver

	writeMu   sync.Mutex
	closeSent bool

	mu          sync.Mutex
	verified    bool
	notified    bool
	verifyTimer *time.Timer
	lastStatus  Status
	lastSet     bool
}

func newConn(srv *Server, peer *Peer, nc net.Conn, br *bufio.Reader) *conn {
	c := &conn{
		srv:  srv,
		peer: peer,
		nc:   nc,
		br:   br,
		log:  srv.log,
	}
	c.receiver = wire.NewReceiver(srv.maxPayload.Load(), c)
	peer.conn = c
	return c
}

// start arms the verification deadline and launches the read loop on the
// server's WaitGroup so Shutdown can wait for it.
func (c *conn) start(timeout time.Duration) {
	c.mu.Lock()
	c.verifyTimer = time.AfterFunc(timeout, c.verifyExpired)
	c.mu.Unlock()
	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		c.run()
	}()
}

func (c *conn) run() {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("[conn] panic in connection handler",
				"peer", c.peer.ID, "panic", rec, "stack", string(debug.Stack()))
			st := StatusServerException(fmt.Sprint(rec))
			c.closeWithStatus(st)
			c.finish(st.Code, st.Reason)
		}
	}()
	c.readLoop()
}

// readLoop pumps transport bytes into the receiver until the transport
// ends. After a framing error the parser is terminal; remaining bytes are
// drained so the peer's close reply can arrive before the grace deadline.
func (c *conn) readLoop() {
	buf := make([]byte, readBufferSize)
	parserDead := false
	for {
		n, err := c.br.Read(buf)
		if n > 0 && !parserDead {
			if perr := c.receiver.Write(buf[:n]); perr != nil {
				parserDead = true
				c.protocolFailure(perr)
			}
		}
		if err != nil {
			c.transportEnded(err)
			return
		}
	}
}

// OnSignal handles one assembled application message. Before verification
// only the auth message (both code bytes zero) is admissible.
func (c *conn) OnSignal(code uint16, data []byte, header [signal.HeaderLen]byte) {
	if !c.isVerified() {
		if header[0] == 0 && header[1] == 0 {
			c.handleAuth(data)
			return
		}
		c.log.Debug("[conn] signal before verification", "peer", c.peer.ID, "code", code)
		c.closeWithStatus(StatusKicked("Server", "Invalid client."))
		return
	}
	c.srv.listeners.fireSignal(c.peer, code, data)
}

// OnConclude handles the peer's close frame: the connection transitions
// immediately, no close reply is written.
func (c *conn) OnConclude(code uint16, reason []byte) {
	c.finish(code, wire.ReasonForCode(code, reason))
}

// handleAuth runs the verification gate: mark verified, fold the
// authentication hooks, enforce the client cap, reply with signal 0, then
// announce the peer.
func (c *conn) handleAuth(data []byte) {
	c.mu.Lock()
	c.verified = true
	timer := c.verifyTimer
	c.verifyTimer = nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if !c.srv.listeners.fireAuthentication(c.peer, parseCredentials(data)) {
		c.log.Debug("[conn] authentication rejected", "peer", c.peer.ID, "addr", c.peer.RemoteAddr)
		c.closeWithStatus(StatusAuthorizationError())
		return
	}

	ok, full := c.srv.registry.insert(c.peer, int(c.srv.maxClients.Load()))
	if full {
		c.log.Debug("[conn] client cap reached", "peer", c.peer.ID)
		c.closeWithStatus(StatusServerFull())
		return
	}
	if !ok {
		c.closeWithStatus(StatusServerException("duplicate peer id"))
		return
	}

	c.peer.setState(StateConnected)

	info, err := json.Marshal(c.peer.Info)
	if err != nil {
		c.closeWithStatus(StatusServerException(err.Error()))
		return
	}
	if err := c.send(signal.AuthCode, c.peer.ID+string(info)); err != nil {
		c.log.Warn("[conn] authentication reply failed", "peer", c.peer.ID, "error", err)
		return
	}

	c.log.Debug("[conn] peer connected", "peer", c.peer.ID, "addr", c.peer.RemoteAddr)
	c.srv.listeners.fireConnected(c.peer)
}

// parseCredentials decodes an auth payload. Valid JSON yields the decoded
// value; anything else passes through as a string.
func parseCredentials(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

// protocolFailure answers a framing or envelope violation with the
// error's close code and message.
func (c *conn) protocolFailure(err error) {
	var pe *wire.ProtocolError
	if errors.As(err, &pe) {
		c.log.Debug("[conn] protocol violation", "peer", c.peer.ID, "tag", pe.Tag, "error", pe)
		c.closeWithStatus(Status{Code: pe.Code, Reason: pe.Error()})
		return
	}
	c.closeWithStatus(StatusServerException(err.Error()))
}

// transportEnded translates the read loop's terminal error into the
// Disconnected defaults. A recorded local close status takes precedence
// inside finish.
func (c *conn) transportEnded(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.finish(wire.CloseNormal, "")
		return
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() && c.closeStarted() {
		// Grace deadline expired without a close reply.
		c.finish(wire.CloseNormal, "")
		return
	}
	st := StatusServerException(err.Error())
	c.finish(st.Code, st.Reason)
}

// verifyExpired destroys the transport of a peer that never sent the auth
// message. No close frame is written.
func (c *conn) verifyExpired() {
	c.mu.Lock()
	expired := !c.verified && !c.notified
	c.mu.Unlock()
	if !expired {
		return
	}
	c.log.Debug("[conn] verify deadline expired", "peer", c.peer.ID, "addr", c.peer.RemoteAddr)
	c.nc.Close()
}

// closeWithStatus performs the ordered close: the status is recorded as
// the connection's disconnect cause, the close frame is written, and the
// write side ends. The first recorded status wins.
func (c *conn) closeWithStatus(st Status) error {
	c.mu.Lock()
	if !c.lastSet {
		c.lastSet = true
		c.lastStatus = st
	}
	c.mu.Unlock()
	return c.writeClose(st.Code, st.Reason)
}

func (c *conn) writeClose(code uint16, reason string) error {
	frame := wire.Frame(true, wire.OpClose, wire.ClosePayload(code, reason))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return ErrConnectionClosed
	}
	c.closeSent = true
	_, err := c.nc.Write(frame)
	if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	c.nc.SetReadDeadline(time.Now().Add(closeGracePeriod))
	return err
}

func (c *conn) closeStarted() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closeSent
}

// send encodes data under code and writes one binary frame.
func (c *conn) send(code uint16, data any) error {
	msg, err := signal.Encode(code, data)
	if err != nil {
		return err
	}
	if max := c.srv.maxPayload.Load(); max > 0 && uint64(len(msg)) >= max {
		return ErrMaxPayload
	}
	return c.writeRaw(wire.Frame(true, wire.OpBinary, msg))
}

// writeRaw writes pre-encoded frame bytes. Broadcast uses this to share
// one encoding across recipients.
func (c *conn) writeRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return ErrConnectionClosed
	}
	_, err := c.nc.Write(frame)
	return err
}

func (c *conn) isVerified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified
}

// finish is the single Disconnected transition. The passed code and
// reason are the cause's defaults; a status recorded by a local close
// overrides them. Hooks fire only for peers that reached verification.
// Safe to call from any goroutine, any number of times.
func (c *conn) finish(code uint16, reason string) {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	if c.lastSet {
		code, reason = c.lastStatus.Code, c.lastStatus.Reason
	}
	verified := c.verified
	timer := c.verifyTimer
	c.verifyTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	c.peer.setState(StateDisconnected)
	c.srv.release(c)
	if verified {
		c.srv.listeners.fireDisconnected(c.peer, code, reason)
	}
	c.nc.Close()
	c.log.Debug("[conn] closed", "peer", c.peer.ID, "code", code, "reason", reason)
}
