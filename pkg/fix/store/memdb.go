package store

import (
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
)

const msgTable = "message"

var msgSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		msgTable: {
			Name: msgTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Seq"},
				},
			},
		},
	},
}

type msgRow struct {
	Seq   uint64
	Bytes []byte
}

// MemStore is an in-memory Store backed by go-memdb. Snapshot isolation
// gives readers a consistent view while the session keeps appending.
type MemStore struct {
	mu sync.Mutex

	db      *memdb.MemDB
	lastSeq uint64
	resetAt uint64
	state   SequenceState
	created time.Time
}

// MemStoreFactory hands out independent in-memory stores.
type MemStoreFactory struct{}

// Create implements Factory.
func (MemStoreFactory) Create(sessionID string) (Store, error) {
	return NewMemStore()
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(msgSchema)
	if err != nil {
		return nil, err
	}
	return &MemStore{
		db:      db,
		resetAt: 1,
		state:   SequenceState{NextIn: 1, NextOut: 1},
		created: time.Now().UTC(),
	}, nil
}

// Append implements Store.
func (s *MemStore) Append(seq uint64, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSeq != 0 && seq <= s.lastSeq {
		if seq >= s.resetAt {
			return ErrSeqAlreadyPresent
		}
		return ErrSeqOutOfOrder
	}
	if s.lastSeq != 0 && seq != s.lastSeq+1 {
		return ErrSeqOutOfOrder
	}
	if s.lastSeq == 0 && seq != s.resetAt {
		return ErrSeqOutOfOrder
	}

	txn := s.db.Txn(true)
	cp := make([]byte, len(frame))
	copy(cp, frame)
	if err := txn.Insert(msgTable, &msgRow{Seq: seq, Bytes: cp}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	s.lastSeq = seq
	return nil
}

// GetRange implements Store.
func (s *MemStore) GetRange(from, to uint64) ([]Entry, error) {
	txn := s.db.Txn(false)
	it, err := txn.LowerBound(msgTable, "id", from)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, to-from+1)
	next := from
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*msgRow)
		if row.Seq > to {
			break
		}
		if row.Seq != next {
			return nil, &GapError{Missing: next}
		}
		entries = append(entries, Entry{Seq: row.Seq, Bytes: row.Bytes})
		next = row.Seq + 1
	}
	if next <= to {
		return nil, &GapError{Missing: next}
	}
	return entries, nil
}

// ResetTo implements Store.
func (s *MemStore) ResetTo(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := memdb.NewMemDB(msgSchema)
	if err != nil {
		return err
	}
	s.db = db
	s.lastSeq = 0
	s.resetAt = seq
	s.state.NextOut = seq
	return nil
}

// LastSeq implements Store.
func (s *MemStore) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Sequences implements Store.
func (s *MemStore) Sequences() (SequenceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// SaveSequences implements Store.
func (s *MemStore) SaveSequences(state SequenceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// CreationTime implements Store.
func (s *MemStore) CreationTime() time.Time {
	return s.created
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}
