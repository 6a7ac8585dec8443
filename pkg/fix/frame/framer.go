// Package frame splits a FIX byte stream into validated messages.
//
// A frame spans "8=...<SOH>" through the closing SOH of the trailing
// checksum field. The framer keeps only a cursor and the unconsumed tail of
// the stream; it never holds decoded message state and can resume after any
// number of partial reads.
package frame

import (
	"bytes"
	"fmt"
)

// SOH is the FIX field delimiter.
const SOH = 0x01

// DefaultMaxBodyLength bounds the declared BodyLength of a single message.
const DefaultMaxBodyLength = 65536

// DefaultMaxBuffer bounds the framer's internal buffer. A peer that streams
// more than this without completing a message fails with BufferOverflow.
const DefaultMaxBuffer = 1 << 20

// checksumFieldLen is len("10=DDD") + 1 for the trailing SOH.
const checksumFieldLen = 7

// ErrorKind classifies framing failures.
type ErrorKind int

const (
	// Malformed covers a missing 8= prefix, missing tag 9, a non-numeric
	// body length or a broken trailer.
	Malformed ErrorKind = iota
	// LengthOutOfRange means the declared BodyLength exceeds the limit.
	LengthOutOfRange
	// ChecksumMismatch means the computed sum disagrees with tag 10.
	ChecksumMismatch
	// BufferOverflow means the input buffer ceiling was exceeded without
	// completing a frame.
	BufferOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case LengthOutOfRange:
		return "length out of range"
	case ChecksumMismatch:
		return "checksum mismatch"
	case BufferOverflow:
		return "buffer overflow"
	}
	return "unknown"
}

// Error is a framing failure. Framing errors are unrecoverable for the
// connection: the sequence number of the broken frame is unknown, so the
// session tears the transport down instead of sending a Reject.
type Error struct {
	Kind     ErrorKind
	Detail   string
	Computed byte
	Declared byte
}

func (e *Error) Error() string {
	if e.Kind == ChecksumMismatch {
		return fmt.Sprintf("frame: checksum mismatch: computed %d, declared %d", e.Computed, e.Declared)
	}
	if e.Detail == "" {
		return "frame: " + e.Kind.String()
	}
	return "frame: " + e.Kind.String() + ": " + e.Detail
}

// Framer locates message boundaries in a byte stream.
type Framer struct {
	buf       []byte
	maxBody   int
	maxBuffer int
}

// NewFramer returns a framer with the given BodyLength ceiling. A
// maxBodyLength of zero selects DefaultMaxBodyLength.
func NewFramer(maxBodyLength int) *Framer {
	if maxBodyLength <= 0 {
		maxBodyLength = DefaultMaxBodyLength
	}
	return &Framer{
		maxBody:   maxBodyLength,
		maxBuffer: DefaultMaxBuffer,
	}
}

// Append feeds bytes read from the transport into the framer.
func (f *Framer) Append(p []byte) {
	f.buf = append(f.buf, p...)
}

// Pending returns the number of buffered, not yet consumed bytes.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset drops all buffered input.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// Next returns the next complete validated frame, or (nil, nil) when more
// input is required. The returned slice aliases the framer's buffer and is
// valid until the next call to Append or Next.
func (f *Framer) Next() ([]byte, error) {
	if len(f.buf) == 0 {
		return nil, nil
	}

	// "8=" must open every frame. Anything else is stream corruption.
	if len(f.buf) < 2 {
		if f.buf[0] != '8' {
			return nil, &Error{Kind: Malformed, Detail: "expected 8= at start of frame"}
		}
		return nil, nil
	}
	if !bytes.HasPrefix(f.buf, []byte("8=")) {
		return nil, &Error{Kind: Malformed, Detail: "expected 8= at start of frame"}
	}

	bsEnd := bytes.IndexByte(f.buf[2:], SOH)
	if bsEnd < 0 {
		return nil, f.needMore()
	}
	cursor := 2 + bsEnd + 1

	// Tag 9 must immediately follow BeginString.
	if len(f.buf[cursor:]) < 2 {
		return nil, f.needMore()
	}
	if !bytes.HasPrefix(f.buf[cursor:], []byte("9=")) {
		return nil, &Error{Kind: Malformed, Detail: "BodyLength must follow BeginString"}
	}
	lenEnd := bytes.IndexByte(f.buf[cursor+2:], SOH)
	if lenEnd < 0 {
		return nil, f.needMore()
	}
	bodyLen, ok := parseUint(f.buf[cursor+2 : cursor+2+lenEnd])
	if !ok {
		return nil, &Error{Kind: Malformed, Detail: "non-numeric BodyLength"}
	}
	if bodyLen > f.maxBody {
		return nil, &Error{Kind: LengthOutOfRange, Detail: fmt.Sprintf("BodyLength %d exceeds limit %d", bodyLen, f.maxBody)}
	}
	bodyStart := cursor + 2 + lenEnd + 1

	frameEnd := bodyStart + bodyLen + checksumFieldLen
	if len(f.buf) < frameEnd {
		return nil, f.needMore()
	}

	trailer := f.buf[bodyStart+bodyLen : frameEnd]
	if !bytes.HasPrefix(trailer, []byte("10=")) || trailer[6] != SOH {
		return nil, &Error{Kind: Malformed, Detail: "missing checksum trailer"}
	}
	declared, ok := ParseChecksum(trailer[3:6])
	if !ok {
		return nil, &Error{Kind: Malformed, Detail: "checksum is not three digits"}
	}
	computed := Checksum(f.buf[:bodyStart+bodyLen])
	if computed != declared {
		return nil, &Error{Kind: ChecksumMismatch, Computed: computed, Declared: declared}
	}

	frame := f.buf[:frameEnd]
	f.buf = f.buf[frameEnd:]
	return frame, nil
}

func (f *Framer) needMore() error {
	if len(f.buf) > f.maxBuffer {
		return &Error{Kind: BufferOverflow, Detail: fmt.Sprintf("%d buffered bytes without a complete frame", len(f.buf))}
	}
	return nil
}

func parseUint(b []byte) (int, bool) {
	if len(b) == 0 || len(b) > 9 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
