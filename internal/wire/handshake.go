package wire

import (
	"crypto/sha1"
	"encoding/base64"
)

// AcceptGUID is the fixed RFC 6455 value appended to the client's key when
// deriving Sec-WebSocket-Accept.
const AcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey derives the Sec-WebSocket-Accept value for a handshake key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + AcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
