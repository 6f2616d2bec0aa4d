// Package frame implements the LocoNet-compatible message framer: byte-stream to
// message assembly on receive, checksum and length-class computation on both sides.
//
// A message is 2..127 bytes. The first byte (opcode) has its high bit set; every
// subsequent byte has it clear. Bits 6-5 of the opcode give the size class: 00 -> 2
// bytes total, 01 -> 4, 10 -> 6, 11 -> variable, with the total length in byte 1. The
// last byte is a checksum making the XOR of the whole message equal 0xFF.
package frame

import "github.com/EbpController/LocoNet-Driver/ringqueue"

// ChecksumTarget is the XOR value a valid message's bytes must reduce to.
const ChecksumTarget byte = 0xFF

// opcodeBit is the high bit that marks the first byte of a message.
const opcodeBit byte = 0x80

// SizeClass decodes the size class carried in bits 6-5 of an opcode byte. For the fixed
// classes it returns the total message length and variable=false. For the variable
// class it returns variable=true; the caller must still read byte 1 for the length.
func SizeClass(opcode byte) (length int, variable bool) {
	switch (opcode >> 5) & 0x03 {
	case 0:
		return 2, false
	case 1:
		return 4, false
	case 2:
		return 6, false
	default:
		return 0, true
	}
}

// Checksum returns the bytewise XOR of msg.
func Checksum(msg []byte) byte {
	var x byte
	for _, b := range msg {
		x ^= b
	}
	return x
}

// Valid reports whether msg is a well-formed, checksum-correct LocoNet message: length
// >= 2, opcode MSB set, every other byte's MSB clear, declared length matching the
// actual length, and XOR checksum of 0xFF.
func Valid(msg []byte) bool {
	if len(msg) < 2 {
		return false
	}
	if msg[0]&opcodeBit == 0 {
		return false
	}
	for _, b := range msg[1:] {
		if b&opcodeBit != 0 {
			return false
		}
	}
	want, variable := SizeClass(msg[0])
	if variable {
		want = int(msg[1])
		if want < 2 {
			return false
		}
	}
	if want != len(msg) {
		return false
	}
	return Checksum(msg) == ChecksumTarget
}

// BuildOutbound appends a trailing checksum byte to payload such that the XOR of the
// whole resulting message is 0xFF, matching lnTxMessageHandler's atomic append.
func BuildOutbound(payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = Checksum(payload) ^ ChecksumTarget
	return out
}

// Assembler reassembles a byte stream into discrete, checksum-validated messages. It
// owns a ring-queue staging buffer exactly as the original RX staging queue did: a
// received opcode byte always resets the buffer, even mid-frame, and a completed frame
// is validated and discarded (success or failure) in one step.
type Assembler struct {
	staging *ringqueue.Queue
}

// NewAssembler returns an Assembler whose staging buffer can hold up to capacity bytes.
// capacity must be at least 127 to stage the longest possible message.
func NewAssembler(capacity int) *Assembler {
	return &Assembler{staging: ringqueue.New(capacity)}
}

// Push feeds one received byte into the assembler. It returns (msg, true) when that
// byte completed a checksum-valid message; the staging buffer is already reset by the
// time Push returns, win or lose, so the caller never needs to call Clear itself.
func (a *Assembler) Push(b byte) (msg []byte, ok bool) {
	if b&opcodeBit != 0 {
		a.staging.Clear()
		a.staging.Enqueue(b)
		return nil, false
	}
	if a.staging.IsEmpty() {
		// A stray non-opcode byte with no frame in progress: nothing to attach it to.
		return nil, false
	}
	a.staging.Enqueue(b)

	first := a.staging.Peek(0)
	want, variable := SizeClass(first)
	if variable {
		if a.staging.Len() < 2 {
			return nil, false
		}
		want = int(a.staging.Peek(1))
	}
	// Equality, not >=: a variable-length frame whose declared length is smaller than
	// the bytes already staged (e.g. byte 1 declares < 2) simply never completes here
	// and sits until the next opcode byte resets the buffer or the buffer fills up —
	// it is never mistaken for a shorter, different message.
	if a.staging.Len() != want {
		return nil, false
	}

	out := make([]byte, a.staging.Len())
	for i := range out {
		out[i] = a.staging.Peek(i)
	}
	a.staging.Clear()

	if !Valid(out) {
		return nil, false
	}
	return out, true
}

// Reset discards any partially-assembled frame, e.g. after a framing error.
func (a *Assembler) Reset() { a.staging.Clear() }
