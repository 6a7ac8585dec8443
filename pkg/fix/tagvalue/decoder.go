package tagvalue

import (
	"bytes"
	"fmt"

	"fixengine/pkg/fix/frame"
	"fixengine/pkg/fix/tag"
)

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind int

const (
	// InvalidTag means the tag bytes are empty, zero or non-numeric.
	InvalidTag DecodeErrorKind = iota
	// EmptyValue means two adjacent delimiters produced a zero-length value.
	EmptyValue
	// MissingDelimiter means a field never terminated with SOH.
	MissingDelimiter
	// BadStructure means the leading 8/9/35 triplet or trailing 10 is broken.
	BadStructure
)

func (k DecodeErrorKind) String() string {
	switch k {
	case InvalidTag:
		return "invalid tag"
	case EmptyValue:
		return "empty value"
	case MissingDelimiter:
		return "missing delimiter"
	case BadStructure:
		return "bad structure"
	}
	return "unknown"
}

// DecodeError is a tag=value decode failure.
type DecodeError struct {
	Kind   DecodeErrorKind
	Tag    tag.Tag
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Tag != 0 {
		return fmt.Sprintf("decode: %s (tag %d)", e.Kind, e.Tag)
	}
	if e.Detail != "" {
		return "decode: " + e.Kind.String() + ": " + e.Detail
	}
	return "decode: " + e.Kind.String()
}

// Decode parses a complete frame into an ordered field list. Values alias
// the input buffer; no copies are made. The frame is expected to have
// passed the framer, but structural requirements are re-checked so Decode
// is safe on arbitrary bytes.
func Decode(data []byte) (*Message, error) {
	var fields []Field
	off := 0
	for off < len(data) {
		eq := bytes.IndexByte(data[off:], '=')
		if eq < 0 {
			return nil, &DecodeError{Kind: MissingDelimiter, Detail: "no = after offset"}
		}
		t, ok := parseTag(data[off : off+eq])
		if !ok {
			return nil, &DecodeError{Kind: InvalidTag, Detail: string(data[off : off+eq])}
		}
		valStart := off + eq + 1
		soh := bytes.IndexByte(data[valStart:], frame.SOH)
		if soh < 0 {
			return nil, &DecodeError{Kind: MissingDelimiter, Tag: t}
		}
		if soh == 0 {
			return nil, &DecodeError{Kind: EmptyValue, Tag: t}
		}
		fields = append(fields, Field{Tag: t, Value: data[valStart : valStart+soh]})
		off = valStart + soh + 1
	}

	if len(fields) < 4 {
		return nil, &DecodeError{Kind: BadStructure, Detail: "too few fields"}
	}
	if fields[0].Tag != tag.BeginString || fields[1].Tag != tag.BodyLength || fields[2].Tag != tag.MsgType {
		return nil, &DecodeError{Kind: BadStructure, Detail: "header must begin 8,9,35"}
	}
	if fields[len(fields)-1].Tag != tag.CheckSum {
		return nil, &DecodeError{Kind: BadStructure, Detail: "trailer must end with 10"}
	}

	return &Message{fields: fields, raw: data}, nil
}

func parseTag(b []byte) (tag.Tag, bool) {
	if len(b) == 0 || len(b) > 9 {
		return 0, false
	}
	var n uint32
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint32(c-'0')
	}
	if n == 0 {
		return 0, false
	}
	return tag.Tag(n), true
}
