package mark46

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"mark46/internal/wire"
)

// serverTag suffixes every HTTP status line this server writes.
const serverTag = "(MARK-46)"

// handshakeKeyPattern matches a well-formed Sec-WebSocket-Key: 16 bytes of
// base64, padding included.
var handshakeKeyPattern = regexp.MustCompile(`^[+/0-9A-Za-z]{22}==$`)

// validateUpgrade applies the gate rules: GET, an Upgrade: websocket
// header, a supported protocol version, and a well-formed key.
func validateUpgrade(req *http.Request) error {
	if req.Method != http.MethodGet {
		return fmt.Errorf("method %s not allowed", req.Method)
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("upgrade header %q is not websocket", req.Header.Get("Upgrade"))
	}
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" && v != "8" {
		return fmt.Errorf("unsupported websocket version %q", v)
	}
	if key := req.Header.Get("Sec-WebSocket-Key"); !handshakeKeyPattern.MatchString(key) {
		return fmt.Errorf("malformed websocket key %q", key)
	}
	return nil
}

// writeUpgradeResponse writes the 101 response switching the connection to
// the framing layer. The subprotocol header is echoed verbatim; absent, it
// renders as the literal "undefined".
func writeUpgradeResponse(w io.Writer, key, protocol, peerID string) error {
	if protocol == "" {
		protocol = "undefined"
	}
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols " + serverTag + "\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + wire.AcceptKey(key) + "\r\n")
	b.WriteString("Sec-WebSocket-Protocol: " + protocol + "\r\n")
	b.WriteString("Sec-WebSocket-ID: " + peerID + "\r\n")
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// writeHandshakeFailure writes a self-contained HTTP error response with
// the default status text as its body, then the caller destroys the
// socket.
func writeHandshakeFailure(w io.Writer, statusCode int) error {
	text := http.StatusText(statusCode)
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 %d %s %s\r\nConnection: close\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s",
		statusCode, text, serverTag, len(text), text)
	return err
}
