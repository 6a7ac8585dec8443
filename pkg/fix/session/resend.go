package session

import (
	"fmt"

	"fixengine/pkg/fix/store"
	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

// ReplayItem is one element of a resend response.
type ReplayItem struct {
	// GapFill is set when the item replaces a run of admin messages.
	GapFill bool
	// Seq is the sequence the item goes out under: the original sequence
	// for an application message, the first sequence of the replaced run
	// for a gap fill.
	Seq uint64
	// NewSeqNo is the next real sequence after the run (gap fills only).
	NewSeqNo uint64
	// Fields is the rebuilt body for application messages.
	Fields []tagvalue.Field
}

// BuildReplay walks the store over [begin, end] and coalesces runs of
// administrative messages into SequenceReset-GapFill items. Application
// messages are replayed verbatim; the orchestrator re-stamps them with
// PossDupFlag=Y and OrigSendingTime on the way out. end==0 means
// everything up to nextOut-1.
func BuildReplay(st store.Store, begin, end, nextOut uint64) ([]ReplayItem, error) {
	if end == 0 || end >= nextOut {
		end = nextOut - 1
	}
	if begin == 0 {
		begin = 1
	}
	if begin > end {
		// Nothing stored in range: advance the peer past it in one fill.
		return []ReplayItem{{GapFill: true, Seq: begin, NewSeqNo: nextOut}}, nil
	}

	entries, err := st.GetRange(begin, end)
	if err != nil {
		return nil, fmt.Errorf("session: replay range [%d,%d]: %w", begin, end, err)
	}

	var items []ReplayItem
	gapStart := uint64(0)
	for _, e := range entries {
		msg, err := tagvalue.Decode(e.Bytes)
		if err != nil {
			return nil, fmt.Errorf("session: replay decode seq %d: %w", e.Seq, err)
		}
		if msg.IsAdmin() {
			if gapStart == 0 {
				gapStart = e.Seq
			}
			continue
		}
		if gapStart != 0 {
			items = append(items, ReplayItem{GapFill: true, Seq: gapStart, NewSeqNo: e.Seq})
			gapStart = 0
		}
		items = append(items, ReplayItem{Seq: e.Seq, Fields: replayFields(msg)})
	}
	if gapStart != 0 {
		items = append(items, ReplayItem{GapFill: true, Seq: gapStart, NewSeqNo: end + 1})
	}
	return items, nil
}

// replayFields strips the per-transmission fields from a stored frame so
// the orchestrator can re-stamp them. Original SendingTime survives as the
// value for OrigSendingTime.
func replayFields(msg *tagvalue.Message) []tagvalue.Field {
	var fields []tagvalue.Field
	var sendingTime []byte
	for _, f := range msg.Fields() {
		switch f.Tag {
		case tag.BeginString, tag.BodyLength, tag.CheckSum,
			tag.MsgSeqNum, tag.SenderCompID, tag.TargetCompID,
			tag.PossDupFlag, tag.OrigSendingTime:
			continue
		case tag.SendingTime:
			sendingTime = append([]byte(nil), f.Value...)
			continue
		}
		fields = append(fields, tagvalue.Field{Tag: f.Tag, Value: append([]byte(nil), f.Value...)})
	}
	if sendingTime != nil {
		// Keep OrigSendingTime in the header region, right after MsgType.
		at := 0
		if len(fields) > 0 && fields[0].Tag == tag.MsgType {
			at = 1
		}
		fields = append(fields, tagvalue.Field{})
		copy(fields[at+1:], fields[at:])
		fields[at] = tagvalue.Field{Tag: tag.OrigSendingTime, Value: sendingTime}
	}
	return fields
}
