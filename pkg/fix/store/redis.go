package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisStore persists a session's log in Redis: a hash of seq -> frame plus
// a hash holding the counter pair and creation time. Suitable when several
// gateway instances share recovery state.
type RedisStore struct {
	pool     *redis.Pool
	keyMsgs  string
	keyState string
	lastSeq  uint64
	firstSeq uint64
	created  time.Time
}

// RedisStoreFactory creates Redis-backed stores from one shared pool.
type RedisStoreFactory struct {
	Pool *redis.Pool
}

// Create implements Factory.
func (f RedisStoreFactory) Create(sessionID string) (Store, error) {
	return OpenRedisStore(f.Pool, sessionID)
}

// NewRedisPool dials a pool the way the gateway does: idle-capped with a
// four-minute idle timeout.
func NewRedisPool(uri string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", uri)
		},
	}
}

// OpenRedisStore opens the store for sessionID, recovering counters and
// last-seq from Redis.
func OpenRedisStore(pool *redis.Pool, sessionID string) (*RedisStore, error) {
	s := &RedisStore{
		pool:     pool,
		keyMsgs:  "fix:" + sessionID + ":msgs",
		keyState: "fix:" + sessionID + ":state",
		firstSeq: 1,
		created:  time.Now().UTC(),
	}

	conn := pool.Get()
	defer conn.Close()

	state, err := redis.StringMap(conn.Do("HGETALL", s.keyState))
	if err != nil {
		return nil, fmt.Errorf("store: redis state: %w", err)
	}
	if raw, ok := state["created"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.created = ts
		}
	} else {
		if _, err := conn.Do("HSET", s.keyState,
			"created", s.created.Format(time.RFC3339Nano),
			"next_in", 1, "next_out", 1); err != nil {
			return nil, fmt.Errorf("store: redis init: %w", err)
		}
	}
	if raw, ok := state["first_seq"]; ok {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			s.firstSeq = n
		}
	}

	seqs, err := redis.Int64s(conn.Do("HKEYS", s.keyMsgs))
	if err != nil && err != redis.ErrNil {
		return nil, fmt.Errorf("store: redis keys: %w", err)
	}
	for _, n := range seqs {
		if uint64(n) > s.lastSeq {
			s.lastSeq = uint64(n)
		}
	}

	// The log wins over the persisted next_out.
	if s.lastSeq > 0 {
		st, _ := s.Sequences()
		if st.NextOut != s.lastSeq+1 {
			st.NextOut = s.lastSeq + 1
			if err := s.SaveSequences(st); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Append implements Store.
func (s *RedisStore) Append(seq uint64, frame []byte) error {
	if s.lastSeq != 0 && seq != s.lastSeq+1 {
		if seq <= s.lastSeq && seq >= s.firstSeq {
			return ErrSeqAlreadyPresent
		}
		return ErrSeqOutOfOrder
	}
	if s.lastSeq == 0 && seq != s.firstSeq {
		return ErrSeqOutOfOrder
	}

	conn := s.pool.Get()
	defer conn.Close()

	created, err := redis.Int(conn.Do("HSETNX", s.keyMsgs, seq, frame))
	if err != nil {
		return fmt.Errorf("store: redis append: %w", err)
	}
	if created == 0 {
		return ErrSeqAlreadyPresent
	}
	s.lastSeq = seq
	return nil
}

// GetRange implements Store.
func (s *RedisStore) GetRange(from, to uint64) ([]Entry, error) {
	conn := s.pool.Get()
	defer conn.Close()

	args := []interface{}{s.keyMsgs}
	for seq := from; seq <= to; seq++ {
		args = append(args, seq)
	}
	values, err := redis.ByteSlices(conn.Do("HMGET", args...))
	if err != nil {
		return nil, fmt.Errorf("store: redis range: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for i, v := range values {
		if v == nil {
			return nil, &GapError{Missing: from + uint64(i)}
		}
		entries = append(entries, Entry{Seq: from + uint64(i), Bytes: v})
	}
	return entries, nil
}

// ResetTo implements Store.
func (s *RedisStore) ResetTo(seq uint64) error {
	conn := s.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("DEL", s.keyMsgs); err != nil {
		return fmt.Errorf("store: redis reset: %w", err)
	}
	if _, err := conn.Do("HSET", s.keyState, "next_out", seq, "first_seq", seq); err != nil {
		return fmt.Errorf("store: redis reset: %w", err)
	}
	s.lastSeq = 0
	s.firstSeq = seq
	return nil
}

// LastSeq implements Store.
func (s *RedisStore) LastSeq() uint64 {
	return s.lastSeq
}

// Sequences implements Store.
func (s *RedisStore) Sequences() (SequenceState, error) {
	conn := s.pool.Get()
	defer conn.Close()

	values, err := redis.Values(conn.Do("HMGET", s.keyState, "next_in", "next_out"))
	if err != nil {
		return SequenceState{}, fmt.Errorf("store: redis sequences: %w", err)
	}
	state := SequenceState{NextIn: 1, NextOut: 1}
	if len(values) == 2 {
		if n, err := redis.Uint64(values[0], nil); err == nil && n > 0 {
			state.NextIn = n
		}
		if n, err := redis.Uint64(values[1], nil); err == nil && n > 0 {
			state.NextOut = n
		}
	}
	return state, nil
}

// SaveSequences implements Store.
func (s *RedisStore) SaveSequences(state SequenceState) error {
	conn := s.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("HSET", s.keyState,
		"next_in", state.NextIn, "next_out", state.NextOut); err != nil {
		return fmt.Errorf("store: redis save sequences: %w", err)
	}
	return nil
}

// CreationTime implements Store.
func (s *RedisStore) CreationTime() time.Time {
	return s.created
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return nil
}
