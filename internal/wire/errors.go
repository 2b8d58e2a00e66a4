package wire

import "fmt"

// Symbolic tags carried by ProtocolError. Stable identifiers; peers and
// logs match on these rather than on message text.
const (
	TagUnexpectedRSV23              = "WS_ERR_UNEXPECTED_RSV_2_3"
	TagInvalidOpcode                = "WS_ERR_INVALID_OPCODE"
	TagExpectedFin                  = "WS_ERR_EXPECTED_FIN"
	TagInvalidControlPayloadLength  = "WS_ERR_INVALID_CONTROL_PAYLOAD_LENGTH"
	TagExpectedMask                 = "WS_ERR_EXPECTED_MASK"
	TagUnsupportedDataPayloadLength = "WS_ERR_UNSUPPORTED_DATA_PAYLOAD_LENGTH"
	TagUnsupportedMessageLength     = "WS_ERR_UNSUPPORTED_MESSAGE_LENGTH"
	TagInvalidSignalData            = "WS_ERR_INVALID_SIGNAL_DATA"
)

// ProtocolError is a framing or envelope violation detected by the
// receiver. Code is the close code written back to the offending peer.
type ProtocolError struct {
	Code uint16
	Tag  string

	text     string
	prefixed bool
}

func (e *ProtocolError) Error() string {
	if e.prefixed {
		return "Invalid WebSocket frame: " + e.text
	}
	return e.text
}

var (
	errUnexpectedRSV23 = &ProtocolError{
		Code: CloseProtocolError, Tag: TagUnexpectedRSV23,
		text: "RSV2 and RSV3 must be clear", prefixed: true,
	}
	errExpectedFin = &ProtocolError{
		Code: CloseProtocolError, Tag: TagExpectedFin,
		text: "FIN must be set", prefixed: true,
	}
	errExpectedMask = &ProtocolError{
		Code: CloseProtocolError, Tag: TagExpectedMask,
		text: "MASK must be set", prefixed: true,
	}
	errUnsupportedPayloadLength = &ProtocolError{
		Code: CloseMessageTooBig, Tag: TagUnsupportedDataPayloadLength,
		text: "Unsupported WebSocket frame: payload length > 2^53 - 1",
	}
	errMaxMessageLength = &ProtocolError{
		Code: CloseMessageTooBig, Tag: TagUnsupportedMessageLength,
		text: "Max payload size exceeded",
	}
	errInvalidSignalData = &ProtocolError{
		Code: CloseInvalidSignal, Tag: TagInvalidSignalData,
		text: "Invalid signal data",
	}
)

func newInvalidOpcode(opcode byte) *ProtocolError {
	return &ProtocolError{
		Code: CloseProtocolError, Tag: TagInvalidOpcode,
		text: fmt.Sprintf("invalid opcode %d", opcode), prefixed: true,
	}
}

func newInvalidControlPayloadLength(n uint64) *ProtocolError {
	return &ProtocolError{
		Code: CloseProtocolError, Tag: TagInvalidControlPayloadLength,
		text: fmt.Sprintf("invalid payload length %d", n), prefixed: true,
	}
}
