package session

import (
	"fmt"
	"time"

	"fixengine/pkg/fix/dict"
	"fixengine/pkg/fix/field"
	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

// RejectError maps a validation failure to a session-level Reject.
type RejectError struct {
	Reason int
	RefTag tag.Tag
	Text   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("reject reason %d: %s", e.Reason, e.Text)
}

// Validator checks decoded messages against the data dictionary and the
// session's timing rules. Header identity (BeginString, CompIDs) is the
// state machine's job; everything after that lands here.
type Validator struct {
	dict      dict.Dictionary
	clock     Clock
	tolerance time.Duration
	begin     string
}

// NewValidator builds a validator for one session.
func NewValidator(d dict.Dictionary, clock Clock, beginString string, tolerance time.Duration) *Validator {
	if d == nil {
		d = dict.Session()
	}
	return &Validator{dict: d, clock: clock, tolerance: tolerance, begin: beginString}
}

// Validate returns nil when the message passes. The returned RejectError
// carries the SessionRejectReason for the reply; the caller still consumes
// the message's sequence number.
func (v *Validator) Validate(msg *tagvalue.Message) *RejectError {
	if err := v.checkSendingTime(msg); err != nil {
		return err
	}

	msgType := msg.MsgType()
	spec, known := v.dict.MessageSpec(v.begin, msgType)
	if !known {
		// Only the admin set is built in; unknown application types pass
		// through to the application dictionary when one is loaded.
		return nil
	}
	for _, required := range spec.Required {
		if !msg.Has(required) {
			return &RejectError{
				Reason: tag.RejectReasonRequiredTagMissing,
				RefTag: required,
				Text:   fmt.Sprintf("required tag %d missing", required),
			}
		}
	}

	for _, f := range msg.Fields() {
		fs, ok := v.dict.FieldSpec(v.begin, msgType, f.Tag)
		if !ok {
			continue
		}
		if err := v.checkKind(f, fs); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkKind(f tagvalue.Field, fs dict.FieldSpec) *RejectError {
	var err error
	switch fs.Kind {
	case field.KindInt:
		_, err = field.Int(f.Tag, f.Value)
	case field.KindDecimal:
		_, err = field.Decimal(f.Tag, f.Value)
	case field.KindUTCTimestamp:
		_, err = field.UTCTimestamp(f.Tag, f.Value)
	case field.KindLocalMktDate:
		_, err = field.LocalMktDate(f.Tag, f.Value)
	case field.KindChar:
		_, err = field.Char(f.Tag, f.Value)
	case field.KindBool:
		_, err = field.Bool(f.Tag, f.Value)
	default:
		return nil
	}
	if err != nil {
		return &RejectError{
			Reason: tag.RejectReasonIncorrectDataFormat,
			RefTag: f.Tag,
			Text:   fmt.Sprintf("tag %d: malformed %s", f.Tag, fs.Kind),
		}
	}
	if len(fs.Values) > 0 {
		if _, err := field.Enum(f.Tag, f.Value, fs.Values); err != nil {
			return &RejectError{
				Reason: tag.RejectReasonValueIncorrect,
				RefTag: f.Tag,
				Text:   fmt.Sprintf("tag %d: value out of set", f.Tag),
			}
		}
	}
	return nil
}

func (v *Validator) checkSendingTime(msg *tagvalue.Message) *RejectError {
	raw, ok := msg.Get(tag.SendingTime)
	if !ok {
		return &RejectError{
			Reason: tag.RejectReasonRequiredTagMissing,
			RefTag: tag.SendingTime,
			Text:   "SendingTime missing",
		}
	}
	ts, err := field.UTCTimestamp(tag.SendingTime, raw)
	if err != nil {
		return &RejectError{
			Reason: tag.RejectReasonIncorrectDataFormat,
			RefTag: tag.SendingTime,
			Text:   "SendingTime malformed",
		}
	}
	// Resent messages carry the original SendingTime; skew is judged on
	// OrigSendingTime presence instead.
	if msg.PossDup() {
		if !msg.Has(tag.OrigSendingTime) {
			return &RejectError{
				Reason: tag.RejectReasonRequiredTagMissing,
				RefTag: tag.OrigSendingTime,
				Text:   "OrigSendingTime required with PossDupFlag",
			}
		}
		return nil
	}
	skew := v.clock.Now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return &RejectError{
			Reason: tag.RejectReasonSendingTimeAccuracyProblem,
			RefTag: tag.SendingTime,
			Text:   fmt.Sprintf("SendingTime skew %s exceeds tolerance", skew),
		}
	}
	return nil
}
