// Package tagvalue implements the FIX tag=value codec: a zero-copy decoder
// over a framed message and an encoder that produces wire bytes with
// BodyLength and CheckSum filled in.
package tagvalue

import (
	"bytes"
	"strconv"

	"fixengine/pkg/fix/tag"
)

// Field is a single tag=value pair. Value aliases the decoded frame and
// must not be mutated.
type Field struct {
	Tag   tag.Tag
	Value []byte
}

// String renders the field for logs.
func (f Field) String() string {
	return strconv.FormatUint(uint64(f.Tag), 10) + "=" + string(f.Value)
}

// Message is an ordered sequence of decoded fields. Field order is
// preserved exactly as received; repeating groups derive their structure
// from it.
type Message struct {
	fields []Field
	raw    []byte
}

// NewMessage builds a message from an ordered field list. Used on the
// outbound path before encoding.
func NewMessage(fields []Field) *Message {
	return &Message{fields: fields}
}

// Fields returns the ordered field list.
func (m *Message) Fields() []Field {
	return m.fields
}

// Bytes returns the original frame this message was decoded from, or nil
// for messages built by hand.
func (m *Message) Bytes() []byte {
	return m.raw
}

// Get returns the value of the first occurrence of t.
func (m *Message) Get(t tag.Tag) ([]byte, bool) {
	for _, f := range m.fields {
		if f.Tag == t {
			return f.Value, true
		}
	}
	return nil, false
}

// Has reports whether the message carries t.
func (m *Message) Has(t tag.Tag) bool {
	_, ok := m.Get(t)
	return ok
}

// GetString returns the value of t as a string.
func (m *Message) GetString(t tag.Tag) (string, bool) {
	v, ok := m.Get(t)
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetUint parses t as an unsigned decimal.
func (m *Message) GetUint(t tag.Tag) (uint64, bool) {
	v, ok := m.Get(t)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetBool parses t as a FIX boolean: "Y" is true, anything else false.
func (m *Message) GetBool(t tag.Tag) bool {
	v, ok := m.Get(t)
	return ok && len(v) == 1 && v[0] == 'Y'
}

// MsgType returns tag 35.
func (m *Message) MsgType() string {
	v, _ := m.GetString(tag.MsgType)
	return v
}

// BeginString returns tag 8.
func (m *Message) BeginString() string {
	v, _ := m.GetString(tag.BeginString)
	return v
}

// SeqNum returns tag 34, or 0 when absent or unparseable.
func (m *Message) SeqNum() uint64 {
	n, _ := m.GetUint(tag.MsgSeqNum)
	return n
}

// PossDup reports whether PossDupFlag=Y.
func (m *Message) PossDup() bool {
	return m.GetBool(tag.PossDupFlag)
}

// IsAdmin reports whether the message is administrative.
func (m *Message) IsAdmin() bool {
	return tag.IsAdminMsgType(m.MsgType())
}

// Clone deep-copies the message so it can outlive the frame buffer it was
// decoded from. Queued inbound messages and resend candidates must be
// cloned before the framer buffer is reused.
func (m *Message) Clone() *Message {
	if m.raw != nil {
		raw := make([]byte, len(m.raw))
		copy(raw, m.raw)
		// The original decoded cleanly, so re-decoding the copy cannot fail.
		clone, err := Decode(raw)
		if err == nil {
			return clone
		}
	}
	fields := make([]Field, len(m.fields))
	for i, f := range m.fields {
		fields[i] = Field{Tag: f.Tag, Value: append([]byte(nil), f.Value...)}
	}
	return &Message{fields: fields}
}

// Equal compares two messages as ordered field lists.
func Equal(a, b *Message) bool {
	if len(a.fields) != len(b.fields) {
		return false
	}
	for i := range a.fields {
		if a.fields[i].Tag != b.fields[i].Tag || !bytes.Equal(a.fields[i].Value, b.fields[i].Value) {
			return false
		}
	}
	return true
}
