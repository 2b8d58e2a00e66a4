package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFrameLengthEncodings(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		wantHeader []byte
	}{
		{name: "empty", payloadLen: 0, wantHeader: []byte{0x82, 0}},
		{name: "inline max", payloadLen: 125, wantHeader: []byte{0x82, 125}},
		{name: "first extended", payloadLen: 126, wantHeader: []byte{0x82, 126, 0x00, 0x7E}},
		{name: "extended max", payloadLen: 0xFFFF, wantHeader: []byte{0x82, 126, 0xFF, 0xFF}},
		{name: "wide", payloadLen: 0x10000, wantHeader: []byte{0x82, 127, 0, 0, 0, 0, 0, 1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0x55}, tt.payloadLen)
			frame := Frame(true, OpBinary, payload)

			require.Equal(t, len(tt.wantHeader)+tt.payloadLen, len(frame))
			assert.Equal(t, tt.wantHeader, frame[:len(tt.wantHeader)])
			assert.Equal(t, payload, frame[len(tt.wantHeader):])
		})
	}
}

func TestAppendFrameFinAndOpcode(t *testing.T) {
	assert.Equal(t, byte(0x02), Frame(false, OpBinary, nil)[0], "fin clear")
	assert.Equal(t, byte(0x88), Frame(true, OpClose, nil)[0], "fin set")
}

func TestAppendFrameRoundTripsThroughReceiver(t *testing.T) {
	// Server frames re-masked with a zero key parse back identically.
	payload := []byte{0, 7, 0x19, 0x97, 'o', 'k'}
	frame := Frame(true, OpBinary, payload)
	masked := append([]byte{frame[0], frame[1] | 0x80, 0, 0, 0, 0}, frame[2:]...)

	r, sink := newTestReceiver(0)
	require.NoError(t, r.Write(masked))
	require.Len(t, sink.signals, 1)
	assert.Equal(t, uint16(7), sink.signals[0].code)
	assert.Equal(t, []byte("ok"), sink.signals[0].data)
}

func TestClosePayload(t *testing.T) {
	t.Run("code and separated reason", func(t *testing.T) {
		payload := ClosePayload(5101, "Authorization error.")
		require.GreaterOrEqual(t, len(payload), 2)
		assert.Equal(t, uint16(5101), binary.BigEndian.Uint16(payload[:2]))
		assert.Equal(t, "--Authorization error.", string(payload[2:]))
	})

	t.Run("empty reason still separated", func(t *testing.T) {
		payload := ClosePayload(1001, "")
		assert.Equal(t, "--", string(payload[2:]))
	})

	t.Run("no status carries no payload", func(t *testing.T) {
		assert.Nil(t, ClosePayload(CloseNoStatus, "ignored"))
	})
}

func TestReasonForCode(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		raw  []byte
		want string
	}{
		{name: "canonical for bare standard code", code: 1000, raw: nil, want: "Normal Closure"},
		{name: "canonical going away", code: 1001, raw: nil, want: "Going Away"},
		{name: "canonical tls", code: 1015, raw: nil, want: "TLS Handshake"},
		{name: "wire reason wins", code: 1000, raw: []byte("done"), want: "done"},
		{name: "separator stripped", code: 5101, raw: []byte("--Authorization error."), want: "Authorization error."},
		{name: "bare separator", code: 1001, raw: []byte("--"), want: "Going Away"},
		{name: "unknown bare code", code: 4321, raw: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonForCode(tt.code, tt.raw))
		})
	}
}
