// Package client connects to a MARK-46 signaling server.
//
// A Client is built in three steps: Dial performs the WebSocket upgrade,
// the callbacks are registered, and Authenticate runs the code-0 exchange
// that turns the connection into a verified peer. After Authenticate
// returns, incoming signals are delivered to the OnSignal callback until
// the connection ends.
//
// The client speaks the server's framing dialect directly instead of going
// through a general-purpose WebSocket library: the server's close codes
// (5101..5201) sit outside the ranges RFC-strict libraries accept from the
// wire, and surfacing those codes to the application is the point of the
// protocol.
package client

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mark46"
	"mark46/internal/wire"
	"mark46/signal"
)

// writeDeadline is the maximum time allowed for a single frame write to
// complete before the connection is considered dead.
const writeDeadline = 5 * time.Second

// defaultHandshakeTimeout bounds Dial when Options does not override it.
const defaultHandshakeTimeout = 10 * time.Second

// defaultAuthTimeout bounds the authentication reply read when the caller's
// context carries no deadline. The server abandons unverified connections
// after 7 seconds, so waiting much longer cannot succeed.
const defaultAuthTimeout = 10 * time.Second

// closeWait is how long Close waits for the server to drop the connection
// after the close frame went out.
const closeWait = 2 * time.Second

// maxControlPayload is the RFC 6455 cap on control frame payloads.
const maxControlPayload = 125

// CloseError reports the server ending the connection. Reason carries the
// close reason with the wire separator already stripped, or the canonical
// text when the frame carried none.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("server closed connection: %d %s", e.Code, e.Reason)
}

// Options configures Dial.
type Options struct {
	// Subprotocols are offered during the handshake. The server echoes the
	// offer verbatim or answers "undefined".
	Subprotocols []string

	// HandshakeTimeout bounds the TCP connect and upgrade. Defaults to 10s.
	HandshakeTimeout time.Duration

	// TLSConfig is used for wss URLs. A nil config verifies against the
	// URL's hostname.
	TLSConfig *tls.Config

	// MaxPayload bounds each received message's payload bytes, mirroring
	// the server's receive bound. 0 disables the bound.
	MaxPayload uint64

	// Logger receives client logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// SignalHandler receives one decoded signal. The payload aliases the read
// buffer; copy it when retaining.
type SignalHandler func(code uint16, data []byte)

// CloseHandler receives the close code and reason when the server or the
// transport ends the connection. It does not fire after a local Close.
type CloseHandler func(code uint16, reason string)

// Client is one connection to a signaling server.
//
// Callbacks run on the client's read goroutine; blocking inside them stalls
// signal delivery. writeMu serializes frame writes and guards closeSent; mu
// guards identity and callback state and is never held during a write.
type Client struct {
	nc       net.Conn
	br       *bufio.Reader
	log      *slog.Logger
	protocol string

	writeMu   sync.Mutex
	closeSent bool

	mu          sync.Mutex
	id          string
	info        map[string]any
	onSignal    SignalHandler
	onClose     CloseHandler
	closed      bool
	loopStarted bool

	maxPayload uint64
	closeOnce  sync.Once
	done       chan struct{}
}

// Dial connects to rawURL ("ws://host:port/" or "wss://...") and performs
// the upgrade handshake. The returned client is unauthenticated; the server
// abandons it unless Authenticate runs within its verification window.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	var useTLS bool
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return nil, fmt.Errorf("client: unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "80"
		}
	}

	dialer := net.Dialer{Timeout: opts.HandshakeTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", rawURL, err)
	}
	if useTLS {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		nc = tls.Client(nc, cfg)
	}

	c := &Client{
		nc:         nc,
		br:         bufio.NewReader(nc),
		log:        opts.Logger,
		maxPayload: opts.MaxPayload,
		done:       make(chan struct{}),
	}
	if err := c.handshake(u, opts.Subprotocols, opts.HandshakeTimeout); err != nil {
		nc.Close()
		return nil, err
	}
	c.log.Debug("[client] connected", "url", rawURL, "id", c.id, "protocol", c.protocol)
	return c, nil
}

// handshake sends the upgrade request and validates the 101 response,
// bounded by one deadline across both directions.
func (c *Client) handshake(u *url.URL, subprotocols []string, timeout time.Duration) error {
	if err := c.nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("client: set handshake deadline: %w", err)
	}

	key := newHandshakeKey()
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.WriteString("GET " + path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + u.Host + "\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(subprotocols) > 0 {
		b.WriteString("Sec-WebSocket-Protocol: " + strings.Join(subprotocols, ", ") + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(c.nc, b.String()); err != nil {
		return fmt.Errorf("client: send upgrade request: %w", err)
	}

	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		return fmt.Errorf("client: read upgrade response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("client: handshake refused: %s", resp.Status)
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != wire.AcceptKey(key) {
		return fmt.Errorf("client: handshake accept mismatch: %q", got)
	}
	c.id = resp.Header.Get("Sec-WebSocket-ID")
	c.protocol = resp.Header.Get("Sec-WebSocket-Protocol")

	if err := c.nc.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("client: clear handshake deadline: %w", err)
	}
	return nil
}

// newHandshakeKey returns a fresh Sec-WebSocket-Key: 16 random bytes,
// base64 with padding.
func newHandshakeKey() string {
	var nonce [16]byte
	rand.Read(nonce[:])
	return base64.StdEncoding.EncodeToString(nonce[:])
}

// OnSignal registers the signal callback. Register before Authenticate;
// signals arriving with no callback set are dropped.
func (c *Client) OnSignal(fn SignalHandler) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// OnClose registers the close callback. Register before Authenticate.
func (c *Client) OnClose(fn CloseHandler) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Authenticate sends the credentials as signal 0 and waits for the server's
// reply. On success the client's ID and Info are populated and the read
// loop starts delivering signals. A rejection surfaces as a *CloseError
// carrying the server's close code and reason.
//
// The reply deadline comes from ctx when it carries one, otherwise a 10s
// default applies.
func (c *Client) Authenticate(ctx context.Context, credentials any) error {
	c.mu.Lock()
	if c.loopStarted {
		c.mu.Unlock()
		return errors.New("client: already authenticated")
	}
	c.mu.Unlock()

	msg, err := signal.Encode(signal.AuthCode, credentials)
	if err != nil {
		return fmt.Errorf("client: encode credentials: %w", err)
	}
	if err := c.writeFrame(wire.OpBinary, msg); err != nil {
		return fmt.Errorf("client: send credentials: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultAuthTimeout)
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("client: set read deadline: %w", err)
	}
	reply, err := c.readMessage()
	if err != nil {
		return fmt.Errorf("client: authentication reply: %w", err)
	}
	code, payload, err := signal.Decode(reply)
	if err != nil {
		return fmt.Errorf("client: authentication reply: %w", err)
	}
	if code != signal.AuthCode {
		return fmt.Errorf("client: unexpected signal %d during authentication", code)
	}
	id, info, err := splitAuthReply(payload)
	if err != nil {
		return fmt.Errorf("client: authentication reply: %w", err)
	}
	if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("client: clear read deadline: %w", err)
	}

	c.mu.Lock()
	c.id = id
	c.info = info
	c.loopStarted = true
	c.mu.Unlock()

	c.log.Debug("[client] authenticated", "id", id)
	go c.readLoop()
	return nil
}

// splitAuthReply separates the peer id from the JSON info document that
// follows it in the authentication reply.
func splitAuthReply(payload []byte) (string, map[string]any, error) {
	jsonStart := -1
	for i, b := range payload {
		if b == '{' {
			jsonStart = i
			break
		}
	}
	if jsonStart < 0 {
		return string(payload), nil, nil
	}
	var info map[string]any
	if err := json.Unmarshal(payload[jsonStart:], &info); err != nil {
		return "", nil, fmt.Errorf("decode peer info: %w", err)
	}
	return string(payload[:jsonStart]), info, nil
}

// ID returns the server-assigned peer id: from the upgrade response after
// Dial, confirmed by the authentication reply.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Info returns the peer info delivered with the authentication reply. The
// map is owned by the client; treat it as read-only.
func (c *Client) Info() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Protocol returns the subprotocol the server answered with, or
// "undefined" when none was negotiated.
func (c *Client) Protocol() string {
	return c.protocol
}

// Done is closed when the read loop ends, for callers that block until the
// connection is over.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send encodes data under the given signal code and writes it as a single
// binary message.
func (c *Client) Send(code uint16, data any) error {
	msg, err := signal.Encode(code, data)
	if err != nil {
		return fmt.Errorf("client: encode signal %d: %w", code, err)
	}
	if err := c.writeFrame(wire.OpBinary, msg); err != nil {
		return fmt.Errorf("client: send signal %d: %w", code, err)
	}
	return nil
}

// Close performs the deliberate client-side close: a 5201 close frame with
// the standard reason template, then a short wait for the server to drop
// the connection. Safe to call multiple times.
func (c *Client) Close(msg string) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.loopStarted
		c.mu.Unlock()

		st := mark46.StatusClientClosed(msg)
		if err := c.sendClose(st.Code, st.Reason); err != nil && !errors.Is(err, mark46.ErrConnectionClosed) {
			c.log.Debug("[client] close frame write failed", "error", err)
		}
		if started {
			select {
			case <-c.done:
			case <-time.After(closeWait):
			}
		}
		closeErr = c.nc.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
	})
	return closeErr
}

// writeFrame writes one masked frame. ErrConnectionClosed after the close
// handshake started.
func (c *Client) writeFrame(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return mark46.ErrConnectionClosed
	}
	return c.writeRawLocked(wire.MaskedFrame(true, opcode, payload))
}

// sendClose writes the close frame and marks the connection closing. Only
// the first close wins; later writers get ErrConnectionClosed.
func (c *Client) sendClose(code uint16, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return mark46.ErrConnectionClosed
	}
	c.closeSent = true
	return c.writeRawLocked(wire.MaskedFrame(true, wire.OpClose, wire.ClosePayload(code, reason)))
}

func (c *Client) writeRawLocked(frame []byte) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	_, err := c.nc.Write(frame)
	if clearErr := c.nc.SetWriteDeadline(time.Time{}); clearErr != nil && err == nil {
		err = clearErr
	}
	return err
}

// readLoop delivers decoded signals to the callback until the connection
// ends, then reports how it ended.
func (c *Client) readLoop() {
	defer close(c.done)
	defer c.nc.Close()
	for {
		msg, err := c.readMessage()
		if err != nil {
			c.connectionEnded(err)
			return
		}
		code, data, decErr := signal.Decode(msg)
		if decErr != nil {
			c.log.Debug("[client] dropping undecodable message", "error", decErr)
			continue
		}
		c.mu.Lock()
		fn := c.onSignal
		c.mu.Unlock()
		if fn != nil {
			fn(code, data)
		}
	}
}

func (c *Client) connectionEnded(err error) {
	c.mu.Lock()
	closed := c.closed
	fn := c.onClose
	c.mu.Unlock()
	if closed {
		// Local Close initiated the teardown; the callback reports remote
		// and transport endings only.
		return
	}

	code := wire.CloseAbnormal
	reason := err.Error()
	var ce *CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Reason
	}
	c.log.Debug("[client] connection ended", "code", code, "reason", reason)
	if fn != nil {
		fn(code, reason)
	}
}

// readMessage reads frames until one application message is assembled. A
// close frame is echoed (unless this side already closed) and returned as
// a *CloseError. Pings are answered, pongs dropped.
func (c *Client) readMessage() ([]byte, error) {
	var fragments [][]byte
	var total uint64
	for {
		fin, opcode, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case wire.OpClose:
			code, reason := parseClose(payload)
			if echoErr := c.sendClose(code, ""); echoErr != nil && !errors.Is(echoErr, mark46.ErrConnectionClosed) {
				c.log.Debug("[client] close echo failed", "error", echoErr)
			}
			return nil, &CloseError{Code: code, Reason: reason}
		case wire.OpPing:
			if err := c.writeFrame(wire.OpPong, payload); err != nil && !errors.Is(err, mark46.ErrConnectionClosed) {
				return nil, err
			}
		case wire.OpPong:
			// Dropped.
		case wire.OpBinary, wire.OpText:
			if len(fragments) > 0 {
				return nil, errors.New("client: new message before previous fragment finished")
			}
			total += uint64(len(payload))
			if c.maxPayload > 0 && total > c.maxPayload {
				return nil, fmt.Errorf("client: message exceeds max payload %d", c.maxPayload)
			}
			if fin {
				return payload, nil
			}
			fragments = append(fragments, payload)
		case wire.OpContinuation:
			if len(fragments) == 0 {
				return nil, errors.New("client: continuation without a message start")
			}
			total += uint64(len(payload))
			if c.maxPayload > 0 && total > c.maxPayload {
				return nil, fmt.Errorf("client: message exceeds max payload %d", c.maxPayload)
			}
			fragments = append(fragments, payload)
			if fin {
				joined := make([]byte, 0, total)
				for _, f := range fragments {
					joined = append(joined, f...)
				}
				return joined, nil
			}
		default:
			return nil, fmt.Errorf("client: unexpected opcode %#x", opcode)
		}
	}
}

// readFrame reads one unmasked server-to-client frame.
func (c *Client) readFrame() (fin bool, opcode byte, payload []byte, err error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return false, 0, nil, err
	}
	fin = hdr[0]&0x80 != 0
	opcode = hdr[0] & 0x0F
	if hdr[1]&0x80 != 0 {
		return false, 0, nil, errors.New("client: server frame must not be masked")
	}
	length := uint64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if opcode >= wire.OpClose && length > maxControlPayload {
		return false, 0, nil, fmt.Errorf("client: control frame payload %d too large", length)
	}
	if c.maxPayload > 0 && length > c.maxPayload {
		return false, 0, nil, fmt.Errorf("client: frame exceeds max payload %d", c.maxPayload)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return false, 0, nil, err
	}
	return fin, opcode, payload, nil
}

// parseClose splits a close payload into its code and cleaned reason. An
// empty payload reads as 1005 with its canonical text.
func parseClose(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return wire.CloseNoStatus, wire.ReasonForCode(wire.CloseNoStatus, nil)
	}
	code := binary.BigEndian.Uint16(payload[:2])
	return code, wire.ReasonForCode(code, payload[2:])
}
