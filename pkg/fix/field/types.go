// Package field provides typed views over raw FIX field values. Values stay
// byte slices until a caller asks for a concrete type; a failed parse
// reports the tag and the expected kind so the session layer can map it to
// a Reject reason.
package field

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"fixengine/pkg/fix/tag"
)

// Kind is the semantic type a value failed to parse as.
type Kind string

const (
	KindInt          Kind = "int"
	KindDecimal      Kind = "decimal"
	KindUTCTimestamp Kind = "utctimestamp"
	KindLocalMktDate Kind = "localmktdate"
	KindChar         Kind = "char"
	KindBool         Kind = "bool"
	KindString       Kind = "string"
)

// TypeError reports field bytes that do not parse for their declared type.
type TypeError struct {
	Tag  tag.Tag
	Kind Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("field %d: value is not a valid %s", e.Tag, e.Kind)
}

// Int parses a FIX integer: optional leading '-', ASCII digits, no leading
// zeros except "0" itself.
func Int(t tag.Tag, v []byte) (int64, error) {
	s := v
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	if len(s) == 0 || (len(s) > 1 && s[0] == '0') {
		return 0, &TypeError{Tag: t, Kind: KindInt}
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, &TypeError{Tag: t, Kind: KindInt}
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// Decimal parses a fixed-point value preserving the source scale, which
// matters for prices: "1.50" must re-encode as "1.50", not "1.5".
func Decimal(t tag.Tag, v []byte) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(v))
	if err != nil {
		return decimal.Decimal{}, &TypeError{Tag: t, Kind: KindDecimal}
	}
	return d, nil
}

// UTCTimestamp parses YYYYMMDD-HH:MM:SS with optional .sss milliseconds.
func UTCTimestamp(t tag.Tag, v []byte) (time.Time, error) {
	var layout string
	switch len(v) {
	case 17:
		layout = "20060102-15:04:05"
	case 21:
		layout = "20060102-15:04:05.000"
	default:
		return time.Time{}, &TypeError{Tag: t, Kind: KindUTCTimestamp}
	}
	ts, err := time.Parse(layout, string(v))
	if err != nil {
		return time.Time{}, &TypeError{Tag: t, Kind: KindUTCTimestamp}
	}
	return ts, nil
}

// LocalMktDate parses YYYYMMDD.
func LocalMktDate(t tag.Tag, v []byte) (time.Time, error) {
	if len(v) != 8 {
		return time.Time{}, &TypeError{Tag: t, Kind: KindLocalMktDate}
	}
	ts, err := time.Parse("20060102", string(v))
	if err != nil {
		return time.Time{}, &TypeError{Tag: t, Kind: KindLocalMktDate}
	}
	return ts, nil
}

// Char parses a single-byte value.
func Char(t tag.Tag, v []byte) (byte, error) {
	if len(v) != 1 {
		return 0, &TypeError{Tag: t, Kind: KindChar}
	}
	return v[0], nil
}

// Bool parses a FIX boolean. Only "Y" and "N" are valid.
func Bool(t tag.Tag, v []byte) (bool, error) {
	if len(v) == 1 {
		switch v[0] {
		case 'Y':
			return true, nil
		case 'N':
			return false, nil
		}
	}
	return false, &TypeError{Tag: t, Kind: KindBool}
}

// String validates UTF-8 and returns the value as a string. FIX is
// byte-oriented and almost always ASCII, but data fields may carry UTF-8.
func String(t tag.Tag, v []byte) (string, error) {
	if !utf8.Valid(v) {
		return "", &TypeError{Tag: t, Kind: KindString}
	}
	return string(v), nil
}

// Enum validates a value against the dictionary-declared value set.
func Enum(t tag.Tag, v []byte, allowed []string) (string, error) {
	s := string(v)
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", &TypeError{Tag: t, Kind: KindString}
}

// UTCTimestampBytes formats ts in the FIX UTC timestamp layout with
// millisecond precision.
func UTCTimestampBytes(ts time.Time) []byte {
	return []byte(ts.UTC().Format("20060102-15:04:05.000"))
}
