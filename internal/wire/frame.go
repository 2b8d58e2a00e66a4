package wire

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
)

// Frame opcodes.
const (
	OpContinuation byte = 0x00
	OpText         byte = 0x01
	OpBinary       byte = 0x02
	OpClose        byte = 0x08
	OpPing         byte = 0x09
	OpPong         byte = 0x0A
)

// Close codes. 1000..1015 are the RFC 6455 registry; CloseInvalidSignal is
// the application-envelope violation code surfaced by the receiver.
const (
	CloseNormal           uint16 = 1000
	CloseGoingAway        uint16 = 1001
	CloseProtocolError    uint16 = 1002
	CloseUnsupportedData  uint16 = 1003
	CloseReserved         uint16 = 1004
	CloseNoStatus         uint16 = 1005
	CloseAbnormal         uint16 = 1006
	CloseInvalidPayload   uint16 = 1007
	ClosePolicyViolation  uint16 = 1008
	CloseMessageTooBig    uint16 = 1009
	CloseMissingExtension uint16 = 1010
	CloseInternalError    uint16 = 1011
	CloseServiceRestart   uint16 = 1012
	CloseTryAgainLater    uint16 = 1013
	CloseBadGateway       uint16 = 1014
	CloseTLSHandshake     uint16 = 1015

	CloseInvalidSignal uint16 = 5105
)

// CloseReasonPrefix separates the status code from the reason text inside
// outgoing close payloads. ReasonForCode strips it from inbound reasons so
// echoed closes round-trip to the original text.
const CloseReasonPrefix = "--"

var closeCodeReasons = map[uint16]string{
	CloseNormal:           "Normal Closure",
	CloseGoingAway:        "Going Away",
	CloseProtocolError:    "Protocol Error",
	CloseUnsupportedData:  "Unsupported Data",
	CloseReserved:         "Reserved",
	CloseNoStatus:         "No Status Received",
	CloseAbnormal:         "Abnormal Closure",
	CloseInvalidPayload:   "Invalid frame payload data",
	ClosePolicyViolation:  "Policy Violation",
	CloseMessageTooBig:    "Message Too Big",
	CloseMissingExtension: "Mandatory Extension",
	CloseInternalError:    "Internal Server Error",
	CloseServiceRestart:   "Service Restart",
	CloseTryAgainLater:    "Try Again Later",
	CloseBadGateway:       "Bad Gateway",
	CloseTLSHandshake:     "TLS Handshake",
}

// ReasonForCode resolves the human-readable reason for an inbound close.
// When the wire carried no reason, standard codes map to their canonical
// short strings; unknown codes yield an empty reason.
func ReasonForCode(code uint16, raw []byte) string {
	reason := strings.TrimPrefix(string(raw), CloseReasonPrefix)
	if reason == "" {
		return closeCodeReasons[code]
	}
	return reason
}

// AppendFrame appends one unmasked frame to dst and returns the extended
// slice. Server-to-client frames carry no mask key.
func AppendFrame(dst []byte, fin bool, opcode byte, payload []byte) []byte {
	b0 := opcode & 0x0F
	if fin {
		b0 |= 0x80
	}
	dst = append(dst, b0)
	switch n := len(payload); {
	case n <= 125:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

// Frame builds one unmasked frame.
func Frame(fin bool, opcode byte, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, 10+len(payload)), fin, opcode, payload)
}

// AppendMaskedFrame appends one masked frame to dst and returns the
// extended slice. Client-to-server frames carry the mask key, with the
// payload XORed against it.
func AppendMaskedFrame(dst []byte, fin bool, opcode byte, key [4]byte, payload []byte) []byte {
	b0 := opcode & 0x0F
	if fin {
		b0 |= 0x80
	}
	dst = append(dst, b0)
	switch n := len(payload); {
	case n <= 125:
		dst = append(dst, 0x80|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 0x80|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 0x80|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	masked := dst[start:]
	for i := range masked {
		masked[i] ^= key[i&3]
	}
	return dst
}

// MaskedFrame builds one masked frame under a fresh random key.
func MaskedFrame(fin bool, opcode byte, payload []byte) []byte {
	return AppendMaskedFrame(make([]byte, 0, 14+len(payload)), fin, opcode, NewMaskKey(), payload)
}

// NewMaskKey returns a random mask key. crypto/rand.Read never fails.
func NewMaskKey() [4]byte {
	var key [4]byte
	rand.Read(key[:])
	return key
}

// ClosePayload builds the payload of an outgoing close frame: the status
// code in big-endian followed by CloseReasonPrefix and the reason text.
// CloseNoStatus produces an empty payload (no code on the wire).
func ClosePayload(code uint16, reason string) []byte {
	if code == CloseNoStatus {
		return nil
	}
	payload := make([]byte, 2, 2+len(CloseReasonPrefix)+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	payload = append(payload, CloseReasonPrefix...)
	return append(payload, reason...)
}
