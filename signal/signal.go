// Package signal implements the application envelope carried by every data
// message: a 4-byte header holding a numeric signal code plus two fixed
// magic bytes, followed by the raw payload.
//
// Header layout: [code/100, code%100, 0x19, 0x97]. Valid codes are
// 0..9999; code 0 is reserved for authentication.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MagicA and MagicB are the fixed header suffix bytes (25, 151).
	MagicA byte = 0x19
	MagicB byte = 0x97

	// HeaderLen is the envelope header size in bytes.
	HeaderLen = 4

	// MaxCode is the largest encodable signal code.
	MaxCode uint16 = 9999

	// AuthCode is the reserved authentication signal code.
	AuthCode uint16 = 0
)

var (
	// ErrInvalidCode reports a signal code above MaxCode.
	ErrInvalidCode = errors.New("signal code out of range")
	// ErrTruncated reports a message shorter than the envelope header.
	ErrTruncated = errors.New("signal envelope truncated")
	// ErrBadMagic reports wrong magic bytes in the envelope header.
	ErrBadMagic = errors.New("signal envelope magic mismatch")
)

// Encode wraps data in the envelope. Byte slices and strings pass through
// as raw payload, nil encodes to an empty payload, and any other value is
// JSON-marshalled.
func Encode(code uint16, data any) ([]byte, error) {
	if code > MaxCode {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCode, code)
	}
	payload, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, HeaderLen, HeaderLen+len(payload))
	msg[0] = byte(code / 100)
	msg[1] = byte(code % 100)
	msg[2] = MagicA
	msg[3] = MagicB
	return append(msg, payload...), nil
}

// Decode splits an enveloped message into its code and payload. The payload
// aliases msg; callers that retain it must copy. Codes are decoded as
// 100*header[0] + header[1] without range re-validation, mirroring the
// receiver's inline check.
func Decode(msg []byte) (code uint16, data []byte, err error) {
	if len(msg) < HeaderLen {
		return 0, nil, ErrTruncated
	}
	if msg[2] != MagicA || msg[3] != MagicB {
		return 0, nil, ErrBadMagic
	}
	return uint16(msg[0])*100 + uint16(msg[1]), msg[HeaderLen:], nil
}

func marshalPayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal signal payload: %w", err)
		}
		return b, nil
	}
}
