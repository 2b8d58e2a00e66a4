// Package wire implements the framing layer: an incremental receiver for
// masked client-to-server frames and builders for the unmasked frames the
// server writes back.
//
// # Receiver
//
// The receiver is a push parser. Transport code feeds it raw byte chunks of
// any size via Write; the receiver buffers them, walks the frame grammar,
// and emits assembled signals and close events to its Sink. Framing and
// envelope violations surface as *ProtocolError return values from Write.
// Output is identical for any chunking of the same byte sequence.
package wire

import (
	"encoding/binary"

	"mark46/signal"
)

// Parser states. One frame is parsed as info, optional extended length,
// mask key, then data.
type receiverState uint8

const (
	stateInfo receiverState = iota
	statePayloadLen16
	statePayloadLen64
	stateMask
	stateData
)

const (
	maxDataOpcode     = 0x07
	maxControlPayload = 125

	// Largest accepted high half of a 64-bit payload length. Anything
	// above pushes the combined value past 2^53 - 1.
	maxPayloadLenHigh = 1<<21 - 1
)

// Sink receives the parsed output of one connection's byte stream. OnSignal
// delivers an assembled application message; OnConclude delivers the peer's
// close code and raw reason, after which the receiver stops parsing.
type Sink interface {
	OnSignal(code uint16, data []byte, header [signal.HeaderLen]byte)
	OnConclude(code uint16, reason []byte)
}

// Receiver parses masked frames incrementally. It is driven by exactly one
// goroutine; all methods are single-threaded by contract.
type Receiver struct {
	sink       Sink
	maxPayload uint64

	state receiverState
	buf   chunkQueue

	// Current frame. opcode holds the logical opcode with continuations
	// already resolved against fragmented.
	fin        bool
	opcode     byte
	payloadLen uint64
	mask       [4]byte

	// Message accumulators, reset when a final fragment is assembled.
	// fragmented remembers the first fragment's opcode (0 = none).
	fragmented byte
	fragments  [][]byte
	totalLen   uint64

	err  error
	done bool
}

// NewReceiver creates a receiver for one connection. maxPayload bounds the
// accumulated data-frame payload length per message; 0 disables the bound.
func NewReceiver(maxPayload uint64, sink Sink) *Receiver {
	return &Receiver{sink: sink, maxPayload: maxPayload}
}

// Write feeds one chunk to the parser and runs it until it needs more
// bytes, concludes, or fails. The chunk is copied; callers may reuse p.
// After a failure every subsequent Write returns the same error; after a
// conclude writes are ignored.
func (r *Receiver) Write(p []byte) error {
	if r.err != nil {
		return r.err
	}
	if r.done {
		return nil
	}
	r.buf.push(p)
	return r.run()
}

func (r *Receiver) run() error {
	for {
		var (
			progressed bool
			err        error
		)
		switch r.state {
		case stateInfo:
			progressed, err = r.readInfo()
		case statePayloadLen16:
			progressed, err = r.readPayloadLen16()
		case statePayloadLen64:
			progressed, err = r.readPayloadLen64()
		case stateMask:
			progressed, err = r.readMask()
		case stateData:
			progressed, err = r.readData()
		}
		if err != nil {
			r.err = err
			return err
		}
		if r.done || !progressed {
			return nil
		}
	}
}

func (r *Receiver) readInfo() (bool, error) {
	b, ok := r.buf.consume(2)
	if !ok {
		return false, nil
	}
	fin := b[0]&0x80 != 0
	opcode := b[0] & 0x0F
	masked := b[1]&0x80 != 0
	hint := b[1] & 0x7F

	// RSV1 is tolerated (negotiated extensions are ignored); RSV2 and
	// RSV3 are never valid here.
	if b[0]&0x30 != 0 {
		return false, errUnexpectedRSV23
	}

	switch {
	case opcode == OpContinuation:
		if r.fragmented == 0 {
			return false, newInvalidOpcode(opcode)
		}
		opcode = r.fragmented
	case opcode == OpText || opcode == OpBinary:
		if r.fragmented != 0 {
			return false, newInvalidOpcode(opcode)
		}
	case opcode >= OpClose && opcode <= OpPong:
		if !fin {
			return false, errExpectedFin
		}
		if hint > maxControlPayload {
			return false, newInvalidControlPayloadLength(uint64(hint))
		}
	default:
		return false, newInvalidOpcode(opcode)
	}

	if !fin && r.fragmented == 0 {
		r.fragmented = opcode
	}
	if !masked {
		return false, errExpectedMask
	}

	r.fin = fin
	r.opcode = opcode
	switch hint {
	case 126:
		r.state = statePayloadLen16
	case 127:
		r.state = statePayloadLen64
	default:
		r.payloadLen = uint64(hint)
		if err := r.haveLength(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *Receiver) readPayloadLen16() (bool, error) {
	b, ok := r.buf.consume(2)
	if !ok {
		return false, nil
	}
	r.payloadLen = uint64(binary.BigEndian.Uint16(b))
	if err := r.haveLength(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Receiver) readPayloadLen64() (bool, error) {
	b, ok := r.buf.consume(8)
	if !ok {
		return false, nil
	}
	high := binary.BigEndian.Uint32(b[:4])
	low := binary.BigEndian.Uint32(b[4:])
	if high > maxPayloadLenHigh {
		return false, errUnsupportedPayloadLength
	}
	r.payloadLen = uint64(high)<<32 | uint64(low)
	if err := r.haveLength(); err != nil {
		return false, err
	}
	return true, nil
}

// haveLength accounts the announced payload against the per-message bound.
// Only data-frame payloads count; the bound here is strictly greater-than,
// unlike the greater-or-equal check on the send path.
func (r *Receiver) haveLength() error {
	if r.opcode <= maxDataOpcode && r.payloadLen > 0 {
		r.totalLen += r.payloadLen
		if r.maxPayload > 0 && r.totalLen > r.maxPayload {
			return errMaxMessageLength
		}
	}
	r.state = stateMask
	return nil
}

func (r *Receiver) readMask() (bool, error) {
	b, ok := r.buf.consume(4)
	if !ok {
		return false, nil
	}
	copy(r.mask[:], b)
	r.state = stateData
	return true, nil
}

func (r *Receiver) readData() (bool, error) {
	payload, ok := r.buf.consume(int(r.payloadLen))
	if !ok {
		return false, nil
	}
	unmask(payload, r.mask)
	if r.opcode > maxDataOpcode {
		return r.controlMessage(payload)
	}
	if len(payload) > 0 {
		r.fragments = append(r.fragments, payload)
	}
	return r.dataMessage()
}

// dataMessage finishes one data frame. Non-final fragments loop back to
// the next frame header; the final fragment assembles the message, checks
// the envelope, and emits the signal.
func (r *Receiver) dataMessage() (bool, error) {
	if !r.fin {
		r.state = stateInfo
		return true, nil
	}

	fragments := r.fragments
	opcode := r.opcode
	r.fragments = nil
	r.fragmented = 0
	r.totalLen = 0
	r.state = stateInfo

	// Only binary messages carry signals. The envelope header must sit
	// entirely inside the first fragment.
	if opcode != OpBinary {
		return false, errInvalidSignalData
	}
	if len(fragments) == 0 || len(fragments[0]) < signal.HeaderLen {
		return false, errInvalidSignalData
	}
	var header [signal.HeaderLen]byte
	copy(header[:], fragments[0])
	if header[2] != signal.MagicA || header[3] != signal.MagicB {
		return false, errInvalidSignalData
	}
	code := uint16(header[0])*100 + uint16(header[1])
	r.sink.OnSignal(code, assembleData(fragments), header)
	return true, nil
}

func (r *Receiver) controlMessage(payload []byte) (bool, error) {
	if r.opcode != OpClose {
		// Ping and pong are parsed and dropped.
		r.state = stateInfo
		return true, nil
	}
	switch len(payload) {
	case 0:
		r.done = true
		r.sink.OnConclude(CloseNoStatus, nil)
	case 1:
		return false, newInvalidControlPayloadLength(1)
	default:
		r.done = true
		r.sink.OnConclude(binary.BigEndian.Uint16(payload[:2]), payload[2:])
	}
	return true, nil
}

func assembleData(fragments [][]byte) []byte {
	if len(fragments) == 1 {
		return fragments[0][signal.HeaderLen:]
	}
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	data := make([]byte, 0, total-signal.HeaderLen)
	data = append(data, fragments[0][signal.HeaderLen:]...)
	for _, f := range fragments[1:] {
		data = append(data, f...)
	}
	return data
}

func unmask(p []byte, mask [4]byte) {
	for i := range p {
		p[i] ^= mask[i&3]
	}
}

// chunkQueue buffers inbound chunks and hands out exact byte counts,
// splitting the head chunk when needed. consume never mutates the queue
// unless it can satisfy the full request.
type chunkQueue struct {
	chunks [][]byte
	size   int
}

func (q *chunkQueue) push(p []byte) {
	if len(p) == 0 {
		return
	}
	c := make([]byte, len(p))
	copy(c, p)
	q.chunks = append(q.chunks, c)
	q.size += len(c)
}

func (q *chunkQueue) consume(n int) ([]byte, bool) {
	if q.size < n {
		return nil, false
	}
	if n == 0 {
		return nil, true
	}
	q.size -= n

	head := q.chunks[0]
	if len(head) == n {
		q.chunks = q.chunks[1:]
		return head, true
	}
	if len(head) > n {
		q.chunks[0] = head[n:]
		return head[:n:n], true
	}

	out := make([]byte, 0, n)
	for n > 0 {
		head = q.chunks[0]
		if len(head) > n {
			out = append(out, head[:n]...)
			q.chunks[0] = head[n:]
			break
		}
		out = append(out, head...)
		q.chunks = q.chunks[1:]
		n -= len(head)
	}
	return out, true
}
