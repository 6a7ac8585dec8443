package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixengine/pkg/fix/store"
)

func newSeqManager(t *testing.T) (*SequenceManager, store.Store) {
	t.Helper()
	st, err := store.NewMemStore()
	require.NoError(t, err)
	m, err := NewSequenceManager(st)
	require.NoError(t, err)
	return m, st
}

func TestSequenceManagerStartsAtOne(t *testing.T) {
	m, _ := newSeqManager(t)
	assert.Equal(t, uint64(1), m.NextIn())
	assert.Equal(t, uint64(1), m.NextOut())
}

func TestAssignAndRollback(t *testing.T) {
	m, _ := newSeqManager(t)

	assert.Equal(t, uint64(1), m.AssignOut())
	assert.Equal(t, uint64(2), m.AssignOut())
	assert.Equal(t, uint64(3), m.NextOut())

	m.RollbackOut()
	assert.Equal(t, uint64(2), m.NextOut())
}

func TestObserveIn(t *testing.T) {
	m, _ := newSeqManager(t)
	require.NoError(t, m.ForceIn(5))

	assert.Equal(t, SeqLower, m.ObserveIn(4))
	assert.Equal(t, SeqExpected, m.ObserveIn(5))
	assert.Equal(t, SeqHigher, m.ObserveIn(10))
}

func TestAdvancePersists(t *testing.T) {
	m, st := newSeqManager(t)
	require.NoError(t, m.AdvanceIn())
	require.NoError(t, m.AdvanceIn())

	state, err := st.Sequences()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.NextIn)
}

func TestResetTruncatesStore(t *testing.T) {
	m, st := newSeqManager(t)
	require.NoError(t, st.Append(1, []byte("one")))

	require.NoError(t, m.Reset(1, 1))
	assert.Equal(t, uint64(0), st.LastSeq())
	assert.Equal(t, uint64(1), m.NextIn())
	assert.Equal(t, uint64(1), m.NextOut())
}

func TestManagerTrustsLogOverSeqFile(t *testing.T) {
	st, err := store.NewMemStore()
	require.NoError(t, err)
	require.NoError(t, st.Append(1, []byte("one")))
	require.NoError(t, st.Append(2, []byte("two")))
	require.NoError(t, st.SaveSequences(store.SequenceState{NextIn: 1, NextOut: 1}))

	m, err := NewSequenceManager(st)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.NextOut())
}
