package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists a session's log in two collections: messages (one
// document per sequence) and sessions (counter pair + creation time).
type MongoStore struct {
	msgs      *mongo.Collection
	sessions  *mongo.Collection
	sessionID string
	lastSeq   uint64
	firstSeq  uint64
	created   time.Time
}

// MongoStoreFactory creates Mongo-backed stores from one shared database.
type MongoStoreFactory struct {
	DB *mongo.Database
}

// Create implements Factory.
func (f MongoStoreFactory) Create(sessionID string) (Store, error) {
	return OpenMongoStore(f.DB, sessionID)
}

type mongoSessionDoc struct {
	SessionID string    `bson:"_id"`
	NextIn    uint64    `bson:"next_in"`
	NextOut   uint64    `bson:"next_out"`
	FirstSeq  uint64    `bson:"first_seq"`
	Created   time.Time `bson:"created"`
}

type mongoMsgDoc struct {
	SessionID string `bson:"session_id"`
	Seq       uint64 `bson:"seq"`
	Frame     []byte `bson:"frame"`
}

// OpenMongoStore opens the store for sessionID, creating the session
// document on first use.
func OpenMongoStore(db *mongo.Database, sessionID string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &MongoStore{
		msgs:      db.Collection("fix_messages"),
		sessions:  db.Collection("fix_sessions"),
		sessionID: sessionID,
		firstSeq:  1,
		created:   time.Now().UTC(),
	}

	var doc mongoSessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	switch {
	case err == mongo.ErrNoDocuments:
		doc = mongoSessionDoc{SessionID: sessionID, NextIn: 1, NextOut: 1, FirstSeq: 1, Created: s.created}
		if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
			return nil, fmt.Errorf("store: mongo init: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("store: mongo session: %w", err)
	default:
		s.created = doc.Created
		if doc.FirstSeq > 0 {
			s.firstSeq = doc.FirstSeq
		}
	}

	opts := options.FindOne().SetSort(bson.M{"seq": -1})
	var last mongoMsgDoc
	err = s.msgs.FindOne(ctx, bson.M{"session_id": sessionID}, opts).Decode(&last)
	if err == nil {
		s.lastSeq = last.Seq
	} else if err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("store: mongo last seq: %w", err)
	}

	// The log wins over the persisted next_out.
	if s.lastSeq > 0 && doc.NextOut != s.lastSeq+1 {
		if err := s.SaveSequences(SequenceState{NextIn: doc.NextIn, NextOut: s.lastSeq + 1}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append implements Store.
func (s *MongoStore) Append(seq uint64, frame []byte) error {
	if s.lastSeq != 0 && seq != s.lastSeq+1 {
		if seq <= s.lastSeq && seq >= s.firstSeq {
			return ErrSeqAlreadyPresent
		}
		return ErrSeqOutOfOrder
	}
	if s.lastSeq == 0 && seq != s.firstSeq {
		return ErrSeqOutOfOrder
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.msgs.InsertOne(ctx, mongoMsgDoc{SessionID: s.sessionID, Seq: seq, Frame: frame})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrSeqAlreadyPresent
		}
		return fmt.Errorf("store: mongo append: %w", err)
	}
	s.lastSeq = seq
	return nil
}

// GetRange implements Store.
func (s *MongoStore) GetRange(from, to uint64) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	filter := bson.M{"session_id": s.sessionID, "seq": bson.M{"$gte": from, "$lte": to}}
	opts := options.Find().SetSort(bson.M{"seq": 1})
	cur, err := s.msgs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: mongo range: %w", err)
	}
	defer cur.Close(ctx)

	entries := make([]Entry, 0, to-from+1)
	next := from
	for cur.Next(ctx) {
		var doc mongoMsgDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: mongo decode: %w", err)
		}
		if doc.Seq != next {
			return nil, &GapError{Missing: next}
		}
		entries = append(entries, Entry{Seq: doc.Seq, Bytes: doc.Frame})
		next = doc.Seq + 1
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store: mongo cursor: %w", err)
	}
	if next <= to {
		return nil, &GapError{Missing: next}
	}
	return entries, nil
}

// ResetTo implements Store.
func (s *MongoStore) ResetTo(seq uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.msgs.DeleteMany(ctx, bson.M{"session_id": s.sessionID}); err != nil {
		return fmt.Errorf("store: mongo reset: %w", err)
	}
	update := bson.M{"$set": bson.M{"next_out": seq, "first_seq": seq}}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"_id": s.sessionID}, update); err != nil {
		return fmt.Errorf("store: mongo reset: %w", err)
	}
	s.lastSeq = 0
	s.firstSeq = seq
	return nil
}

// LastSeq implements Store.
func (s *MongoStore) LastSeq() uint64 {
	return s.lastSeq
}

// Sequences implements Store.
func (s *MongoStore) Sequences() (SequenceState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var doc mongoSessionDoc
	if err := s.sessions.FindOne(ctx, bson.M{"_id": s.sessionID}).Decode(&doc); err != nil {
		return SequenceState{}, fmt.Errorf("store: mongo sequences: %w", err)
	}
	return SequenceState{NextIn: doc.NextIn, NextOut: doc.NextOut}, nil
}

// SaveSequences implements Store.
func (s *MongoStore) SaveSequences(state SequenceState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	update := bson.M{"$set": bson.M{"next_in": state.NextIn, "next_out": state.NextOut}}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"_id": s.sessionID}, update); err != nil {
		return fmt.Errorf("store: mongo save sequences: %w", err)
	}
	return nil
}

// CreationTime implements Store.
func (s *MongoStore) CreationTime() time.Time {
	return s.created
}

// Close implements Store.
func (s *MongoStore) Close() error {
	return nil
}
