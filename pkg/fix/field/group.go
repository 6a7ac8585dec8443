package field

import (
	"fmt"

	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

// GroupTemplate describes a repeating group: the count tag, the tag that
// opens each entry, and the set of member tags. Templates come from the
// data dictionary.
type GroupTemplate struct {
	CountTag tag.Tag
	FirstTag tag.Tag
	Members  map[tag.Tag]bool
}

// GroupEntry is one block of a repeating group, in received order.
type GroupEntry []tagvalue.Field

// Get returns the first occurrence of t inside the entry.
func (e GroupEntry) Get(t tag.Tag) ([]byte, bool) {
	for _, f := range e {
		if f.Tag == t {
			return f.Value, true
		}
	}
	return nil, false
}

// DecodeGroup resolves a repeating group lazily from an ordered field list.
// Grouping rules: the count field declares N entries; each entry opens with
// the template's first tag; any tag outside the member set ends the group.
// The returned index is the position of the first field after the group.
func DecodeGroup(fields []tagvalue.Field, start int, tpl GroupTemplate) ([]GroupEntry, int, error) {
	if start >= len(fields) || fields[start].Tag != tpl.CountTag {
		return nil, start, fmt.Errorf("group: count tag %d not at offset %d", tpl.CountTag, start)
	}
	count, err := Int(tpl.CountTag, fields[start].Value)
	if err != nil {
		return nil, start, err
	}
	if count < 0 {
		return nil, start, &TypeError{Tag: tpl.CountTag, Kind: KindInt}
	}

	entries := make([]GroupEntry, 0, count)
	var current GroupEntry
	i := start + 1
	for ; i < len(fields); i++ {
		f := fields[i]
		if f.Tag == tpl.FirstTag {
			if current != nil {
				entries = append(entries, current)
			}
			current = GroupEntry{f}
			continue
		}
		if !tpl.Members[f.Tag] {
			break
		}
		if current == nil {
			return nil, i, fmt.Errorf("group: member tag %d before first tag %d", f.Tag, tpl.FirstTag)
		}
		current = append(current, f)
	}
	if current != nil {
		entries = append(entries, current)
	}

	if int64(len(entries)) != count {
		return nil, i, fmt.Errorf("group: count %d declared, %d entries found", count, len(entries))
	}
	return entries, i, nil
}

// FindGroup scans the message for the template's count tag and decodes the
// group there.
func FindGroup(msg *tagvalue.Message, tpl GroupTemplate) ([]GroupEntry, error) {
	fields := msg.Fields()
	for i, f := range fields {
		if f.Tag == tpl.CountTag {
			entries, _, err := DecodeGroup(fields, i, tpl)
			return entries, err
		}
	}
	return nil, nil
}
