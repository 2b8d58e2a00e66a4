package mark46

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"mark46/internal/testutil"
	"mark46/internal/wire"
	"mark46/signal"
)

// testVerifyTimeout replaces the production verify deadline so timeout
// tests stay fast.
const testVerifyTimeout = 500 * time.Millisecond

// waitForCondition polls fn every 10ms until it returns true or the timeout
// expires. Returns true if the condition was met, false on timeout.
func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ticker.C:
			if fn() {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

// startTestServer runs a server on an ephemeral loopback port with a short
// verify deadline and shuts it down when the test ends.
func startTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Logger == nil {
		logger, _ := testutil.NewBufferLogger(slog.LevelDebug)
		opts.Logger = logger
	}
	s := New(opts)
	s.verifyTimeout = testVerifyTimeout
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func wsURL(s *Server) string {
	return "ws://" + s.Addr().String() + "/"
}

// dialWS connects a gorilla client to the test server.
func dialWS(t *testing.T, s *Server, subprotocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: 5 * time.Second,
	}
	ws, resp, err := dialer.Dial(wsURL(s), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// envelope encodes one signal the way a client would send it.
func envelope(t *testing.T, code uint16, data any) []byte {
	t.Helper()
	msg, err := signal.Encode(code, data)
	require.NoError(t, err)
	return msg
}

var peerIDPattern = regexp.MustCompile(`^MK[0-9A-F]{12}$`)

// authenticateWS sends the code-0 auth message and decodes the reply,
// returning the server-assigned peer id.
func authenticateWS(t *testing.T, ws *websocket.Conn, credentials any) string {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, envelope(t, signal.AuthCode, credentials)))
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, reply, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	code, data, err := signal.Decode(reply)
	require.NoError(t, err)
	require.Equal(t, uint16(signal.AuthCode), code)
	require.GreaterOrEqual(t, len(data), len(peerIDPrefix)+12)
	id := string(data[:len(peerIDPrefix)+12])
	require.Regexp(t, peerIDPattern, id)
	require.JSONEq(t, fmt.Sprintf(`{"client_id":%q}`, id), string(data[len(id):]))
	ws.SetReadDeadline(time.Time{})
	return id
}

// readSignal reads one binary message and decodes its envelope.
func readSignal(t *testing.T, ws *websocket.Conn) (uint16, string) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	code, data, err := signal.Decode(msg)
	require.NoError(t, err)
	return code, string(data)
}

// expectNoMessage asserts that nothing arrives within a short window. The
// deadline poisons the gorilla connection, so this must be the last read
// on it.
func expectNoMessage(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout(), "expected a read timeout, got %v", err)
}

// expectRejectedClose reads until the connection errors out. Gorilla
// refuses close codes in the 5xxx range coming off the wire, so the
// server's domain closes surface as a generic protocol error instead of a
// *websocket.CloseError; the authoritative code and reason are asserted
// through the disconnected event or a rawClient.
func expectRejectedClose(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Fatalf("timed out waiting for the close frame: %v", err)
		}
		var ce *websocket.CloseError
		require.False(t, errors.As(err, &ce), "expected the close code to be rejected, got close frame %v", err)
		return
	}
}

// expectClose reads until the server's close frame arrives and asserts its
// code and that the reason contains wantContains. Only works for codes
// gorilla accepts from the wire; see expectRejectedClose for the rest.
func expectClose(t *testing.T, ws *websocket.Conn, wantCode int, wantContains string) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, "expected a close frame")
		require.Equal(t, wantCode, ce.Code)
		require.Contains(t, ce.Text, wantContains)
		return
	}
}

type disconnectEvent struct {
	id     string
	code   uint16
	reason string
}

type signalEvent struct {
	id   string
	code uint16
	data string
}

// eventRecorder subscribes to the connected, disconnected and signal
// events and records them for polling assertions.
type eventRecorder struct {
	mu           sync.Mutex
	connected    []string
	disconnected []disconnectEvent
	signals      []signalEvent
}

func recordEvents(s *Server) *eventRecorder {
	r := &eventRecorder{}
	s.OnConnected(func(p *Peer) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.connected = append(r.connected, p.ID)
	})
	s.OnDisconnected(func(p *Peer, code uint16, reason string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.disconnected = append(r.disconnected, disconnectEvent{p.ID, code, reason})
	})
	s.OnSignal(func(p *Peer, code uint16, data []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.signals = append(r.signals, signalEvent{p.ID, code, string(data)})
	})
	return r
}

func (r *eventRecorder) connectedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connected...)
}

func (r *eventRecorder) disconnects() []disconnectEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]disconnectEvent(nil), r.disconnected...)
}

func (r *eventRecorder) signalEvents() []signalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signalEvent(nil), r.signals...)
}

// waitDisconnects polls until at least n disconnect events were recorded.
func (r *eventRecorder) waitDisconnects(t *testing.T, n int) []disconnectEvent {
	t.Helper()
	if !waitForCondition(t, 2*time.Second, func() bool {
		return len(r.disconnects()) >= n
	}) {
		t.Fatalf("timed out waiting for %d disconnect events, have %d", n, len(r.disconnects()))
	}
	return r.disconnects()
}

// waitConnected polls until at least n connected events were recorded.
func (r *eventRecorder) waitConnected(t *testing.T, n int) []string {
	t.Helper()
	if !waitForCondition(t, 2*time.Second, func() bool {
		return len(r.connectedIDs()) >= n
	}) {
		t.Fatalf("timed out waiting for %d connected events, have %d", n, len(r.connectedIDs()))
	}
	return r.connectedIDs()
}

// rawClient speaks the wire protocol directly, for tests that need frame
// level control: fragmentation, masking violations, handshake headers.
type rawClient struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader
}

var rawTestMask = [4]byte{0x37, 0xFA, 0x21, 0x3D}

// dialRaw performs a manual HTTP upgrade and returns the client plus the
// parsed response, whatever its status. An empty override value removes
// the header entirely.
func dialRaw(t *testing.T, s *Server, override map[string]string) (*rawClient, *http.Response) {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	headers := map[string]string{
		"Host":                  s.Addr().String(),
		"Upgrade":               "websocket",
		"Connection":            "Upgrade",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version": "13",
	}
	for k, v := range override {
		if v == "" {
			delete(headers, k)
		} else {
			headers[k] = v
		}
	}

	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\n")
	for k, v := range headers {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("\r\n")
	_, err = nc.Write([]byte(b.String()))
	require.NoError(t, err)

	br := bufio.NewReader(nc)
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	return &rawClient{t: t, nc: nc, br: br}, resp
}

// writeFrame sends one masked frame.
func (rc *rawClient) writeFrame(fin bool, opcode byte, payload []byte) {
	rc.t.Helper()
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	frame := []byte{b0}
	switch {
	case len(payload) <= 125:
		frame = append(frame, 0x80|byte(len(payload)))
	case len(payload) <= 0xFFFF:
		frame = append(frame, 0x80|126)
		frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	default:
		frame = append(frame, 0x80|127)
		frame = binary.BigEndian.AppendUint64(frame, uint64(len(payload)))
	}
	frame = append(frame, rawTestMask[:]...)
	for i, b := range payload {
		frame = append(frame, b^rawTestMask[i&3])
	}
	_, err := rc.nc.Write(frame)
	require.NoError(rc.t, err)
}

// writeUnmasked sends a frame without the mask bit set.
func (rc *rawClient) writeUnmasked(fin bool, opcode byte, payload []byte) {
	rc.t.Helper()
	require.LessOrEqual(rc.t, len(payload), 125)
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	frame := append([]byte{b0, byte(len(payload))}, payload...)
	_, err := rc.nc.Write(frame)
	require.NoError(rc.t, err)
}

// readFrame reads one server frame. Server frames must be unmasked.
func (rc *rawClient) readFrame() (byte, []byte) {
	t := rc.t
	t.Helper()
	rc.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hdr [2]byte
	_, err := io.ReadFull(rc.br, hdr[:])
	require.NoError(t, err)
	require.Zero(t, hdr[1]&0x80, "server frames must be unmasked")
	n := uint64(hdr[1] & 0x7F)
	switch n {
	case 126:
		var ext [2]byte
		_, err = io.ReadFull(rc.br, ext[:])
		require.NoError(t, err)
		n = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		_, err = io.ReadFull(rc.br, ext[:])
		require.NoError(t, err)
		n = binary.BigEndian.Uint64(ext[:])
	}
	payload := make([]byte, n)
	_, err = io.ReadFull(rc.br, payload)
	require.NoError(t, err)
	return hdr[0] & 0x0F, payload
}

// readClose asserts the next frame is a close frame and splits its payload
// into code and reason text.
func (rc *rawClient) readClose() (uint16, string) {
	rc.t.Helper()
	opcode, payload := rc.readFrame()
	require.Equal(rc.t, wire.OpClose, opcode)
	if len(payload) < 2 {
		return 0, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}

// authenticate runs the code-0 exchange over the raw transport and returns
// the peer id from the reply.
func (rc *rawClient) authenticate(credentials string) string {
	t := rc.t
	t.Helper()
	rc.writeFrame(true, wire.OpBinary, envelope(t, signal.AuthCode, credentials))
	opcode, payload := rc.readFrame()
	require.Equal(t, wire.OpBinary, opcode)
	code, data, err := signal.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, uint16(signal.AuthCode), code)
	require.GreaterOrEqual(t, len(data), len(peerIDPrefix)+12)
	return string(data[:len(peerIDPrefix)+12])
}
