package tagvalue

import (
	"strconv"

	"fixengine/pkg/fix/frame"
	"fixengine/pkg/fix/tag"
)

// Encode serialises an ordered field list into wire bytes for the given
// dialect. BeginString, BodyLength and CheckSum are computed here; any
// occurrence of tags 8, 9 or 10 in fields is discarded. MsgType (35) is
// emitted first, remaining fields keep the caller's order.
func Encode(beginString string, fields []Field) []byte {
	body := make([]byte, 0, 256)

	// 35 leads the body; everything else follows untouched.
	for _, f := range fields {
		if f.Tag == tag.MsgType {
			body = appendField(body, f)
			break
		}
	}
	for _, f := range fields {
		switch f.Tag {
		case tag.BeginString, tag.BodyLength, tag.CheckSum, tag.MsgType:
			continue
		}
		body = appendField(body, f)
	}

	msg := make([]byte, 0, len(body)+len(beginString)+24)
	msg = append(msg, "8="...)
	msg = append(msg, beginString...)
	msg = append(msg, frame.SOH)
	msg = append(msg, "9="...)
	msg = strconv.AppendInt(msg, int64(len(body)), 10)
	msg = append(msg, frame.SOH)
	msg = append(msg, body...)

	sum := frame.FormatChecksum(frame.Checksum(msg))
	msg = append(msg, "10="...)
	msg = append(msg, sum[:]...)
	msg = append(msg, frame.SOH)
	return msg
}

func appendField(buf []byte, f Field) []byte {
	buf = strconv.AppendUint(buf, uint64(f.Tag), 10)
	buf = append(buf, '=')
	buf = append(buf, f.Value...)
	buf = append(buf, frame.SOH)
	return buf
}

// StringField builds a field from a string value.
func StringField(t tag.Tag, v string) Field {
	return Field{Tag: t, Value: []byte(v)}
}

// UintField builds a field from an unsigned decimal value.
func UintField(t tag.Tag, v uint64) Field {
	return Field{Tag: t, Value: strconv.AppendUint(nil, v, 10)}
}

// IntField builds a field from a signed decimal value.
func IntField(t tag.Tag, v int64) Field {
	return Field{Tag: t, Value: strconv.AppendInt(nil, v, 10)}
}

// BoolField builds a FIX boolean field (Y/N).
func BoolField(t tag.Tag, v bool) Field {
	if v {
		return Field{Tag: t, Value: []byte{'Y'}}
	}
	return Field{Tag: t, Value: []byte{'N'}}
}
