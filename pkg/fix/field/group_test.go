package field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

// mdEntries mimics the NoMDEntries group from market data messages.
var mdEntries = GroupTemplate{
	CountTag: 268,
	FirstTag: 269,
	Members:  map[tag.Tag]bool{269: true, 270: true, 271: true},
}

func f(t tag.Tag, v string) tagvalue.Field {
	return tagvalue.Field{Tag: t, Value: []byte(v)}
}

func TestDecodeGroup(t *testing.T) {
	fields := []tagvalue.Field{
		f(35, "W"),
		f(55, "BTC-PERP"),
		f(268, "2"),
		f(269, "0"),
		f(270, "101.5"),
		f(271, "3"),
		f(269, "1"),
		f(270, "101.6"),
		f(10, "000"),
	}

	entries, next, err := DecodeGroup(fields, 2, mdEntries)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	px, ok := entries[0].Get(270)
	require.True(t, ok)
	assert.Equal(t, "101.5", string(px))

	sz, ok := entries[0].Get(271)
	require.True(t, ok)
	assert.Equal(t, "3", string(sz))

	_, ok = entries[1].Get(271)
	assert.False(t, ok)

	// The group ends at tag 10, which is outside the member set.
	assert.Equal(t, 8, next)
}

func TestDecodeGroupCountMismatch(t *testing.T) {
	fields := []tagvalue.Field{
		f(268, "3"),
		f(269, "0"),
		f(270, "1"),
	}
	_, _, err := DecodeGroup(fields, 0, mdEntries)
	require.Error(t, err)
}

func TestDecodeGroupMemberBeforeFirstTag(t *testing.T) {
	fields := []tagvalue.Field{
		f(268, "1"),
		f(270, "1"), // member before the delimiting first tag
		f(269, "0"),
	}
	_, _, err := DecodeGroup(fields, 0, mdEntries)
	require.Error(t, err)
}

func TestFindGroup(t *testing.T) {
	msg := tagvalue.NewMessage([]tagvalue.Field{
		f(35, "W"),
		f(268, "1"),
		f(269, "0"),
		f(270, "99.5"),
	})
	entries, err := FindGroup(msg, mdEntries)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	missing, err := FindGroup(msg, GroupTemplate{CountTag: 999, FirstTag: 1000, Members: map[tag.Tag]bool{}})
	require.NoError(t, err)
	assert.Nil(t, missing)
}
