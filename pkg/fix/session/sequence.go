// Package session implements the FIX session layer: sequence discipline,
// the logon/steady/resend/logout state machine, heartbeat timing, gap
// recovery and the administrative message set.
package session

import (
	"fmt"

	"fixengine/pkg/fix/store"
)

// Observation classifies an inbound sequence number against next_in.
type Observation int

const (
	// SeqExpected means the message carries exactly next_in.
	SeqExpected Observation = iota
	// SeqHigher means a gap: one or more messages are missing.
	SeqHigher
	// SeqLower means an already-seen sequence; only acceptable with
	// PossDupFlag=Y.
	SeqLower
)

func (o Observation) String() string {
	switch o {
	case SeqExpected:
		return "expected"
	case SeqHigher:
		return "higher"
	case SeqLower:
		return "lower"
	}
	return "unknown"
}

// SequenceManager owns the next_in/next_out counter pair. The store is the
// durable authority; the manager loads it on construction and writes back
// on every change.
type SequenceManager struct {
	nextIn  uint64
	nextOut uint64
	store   store.Store
}

// NewSequenceManager loads the counter pair from the store. When the
// message log is ahead of the sequence file, next_out is raised to the last
// logged sequence plus one; a sequence file ahead of the log is kept.
func NewSequenceManager(st store.Store) (*SequenceManager, error) {
	state, err := st.Sequences()
	if err != nil {
		return nil, fmt.Errorf("session: load sequences: %w", err)
	}
	m := &SequenceManager{nextIn: state.NextIn, nextOut: state.NextOut, store: st}
	if last := st.LastSeq(); last >= m.nextOut {
		m.nextOut = last + 1
	}
	if m.nextIn == 0 {
		m.nextIn = 1
	}
	if m.nextOut == 0 {
		m.nextOut = 1
	}
	return m, nil
}

// NextIn returns the expected sequence of the next inbound message.
func (m *SequenceManager) NextIn() uint64 { return m.nextIn }

// NextOut returns the sequence the next outbound message will carry.
func (m *SequenceManager) NextOut() uint64 { return m.nextOut }

// AssignOut returns next_out and increments it. The caller pairs this with
// a store append; RollbackOut undoes the increment when the append fails.
func (m *SequenceManager) AssignOut() uint64 {
	seq := m.nextOut
	m.nextOut++
	return seq
}

// RollbackOut undoes the most recent AssignOut after a failed append.
func (m *SequenceManager) RollbackOut() {
	if m.nextOut > 1 {
		m.nextOut--
	}
}

// ObserveIn classifies seq against next_in without advancing.
func (m *SequenceManager) ObserveIn(seq uint64) Observation {
	switch {
	case seq == m.nextIn:
		return SeqExpected
	case seq > m.nextIn:
		return SeqHigher
	default:
		return SeqLower
	}
}

// AdvanceIn increments next_in after a message was accepted, persisting
// the counter pair.
func (m *SequenceManager) AdvanceIn() error {
	m.nextIn++
	return m.persist()
}

// ForceIn sets next_in, used by SequenceReset handling.
func (m *SequenceManager) ForceIn(seq uint64) error {
	m.nextIn = seq
	return m.persist()
}

// Reset sets the counters, truncating the store when out changes. Used on
// Logon with ResetSeqNumFlag=Y and on operational resets.
func (m *SequenceManager) Reset(in, out uint64) error {
	if err := m.store.ResetTo(out); err != nil {
		return err
	}
	m.nextIn = in
	m.nextOut = out
	return m.persist()
}

// Persist writes the counter pair through to the store.
func (m *SequenceManager) Persist() error {
	return m.persist()
}

func (m *SequenceManager) persist() error {
	return m.store.SaveSequences(store.SequenceState{NextIn: m.nextIn, NextOut: m.nextOut})
}
