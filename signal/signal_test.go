package signal

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeader(t *testing.T) {
	msg, err := Encode(4297, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, []byte{42, 97, 0x19, 0x97}, msg[:HeaderLen])
	assert.Equal(t, "payload", string(msg[HeaderLen:]))
}

func TestEncodePayloadForms(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{name: "nil is empty", data: nil, want: ""},
		{name: "bytes pass through", data: []byte{0x00, 0xFF}, want: "\x00\xff"},
		{name: "string stays raw", data: "hi", want: "hi"},
		{name: "map marshals", data: map[string]int{"x": 1}, want: `{"x":1}`},
		{name: "number marshals", data: 42, want: "42"},
		{name: "bool marshals", data: true, want: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Encode(1, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(msg[HeaderLen:]))
		})
	}
}

func TestEncodeInvalidCode(t *testing.T) {
	_, err := Encode(MaxCode+1, nil)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = Encode(MaxCode, nil)
	assert.NoError(t, err)
}

func TestEncodeUnmarshalableValue(t *testing.T) {
	_, err := Encode(1, make(chan int))
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		msg, err := Encode(0, []byte(`{"access_token":"1234567890"}`))
		require.NoError(t, err)

		code, data, err := Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, AuthCode, code)
		assert.Equal(t, `{"access_token":"1234567890"}`, string(data))
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := Decode([]byte{0, 0, MagicA})
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("bad magic", func(t *testing.T) {
		_, _, err := Decode([]byte{0, 0, MagicA, 0x96})
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("header only", func(t *testing.T) {
		code, data, err := Decode([]byte{0, 9, MagicA, MagicB})
		require.NoError(t, err)
		assert.Equal(t, uint16(9), code)
		assert.Empty(t, data)
	})
}

func TestEncodeDecodeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decode inverts encode for all valid codes", prop.ForAll(
		func(code uint16, payload []byte) bool {
			msg, err := Encode(code, payload)
			if err != nil {
				return false
			}
			gotCode, gotData, err := Decode(msg)
			return err == nil && gotCode == code && bytes.Equal(gotData, payload)
		},
		gen.UInt16Range(0, MaxCode),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
