// Package journal is the append-only log of order transitions. Each
// successful commit, settlement, or cancellation appends exactly one
// entry; failures append nothing. Sequence numbers give the causal order
// downstream accounting replays.
package journal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

const prefixEntry = "evt:"

// entryKey is zero-padded so pebble iterates entries in sequence order.
func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEntry, seq))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// Sink receives every appended entry after it is durably stored.
// Sinks must not block; slow consumers buffer or drop on their side.
type Sink interface {
	Publish(Entry)
}

// Journal persists entries to pebble and fans them out to sinks.
type Journal struct {
	mu      sync.Mutex
	db      *pebble.DB
	nextSeq uint64
	sinks   []Sink
}

// Open opens (or creates) the journal at dbPath and recovers the next
// sequence number from the last persisted entry.
func Open(dbPath string) (*Journal, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal db at %s: %w", dbPath, err)
	}

	j := &Journal{db: db, nextSeq: 1}

	prefix := []byte(prefixEntry)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	if iter.Last() && iter.Valid() {
		var last Entry
		if err := json.Unmarshal(iter.Value(), &last); err == nil {
			j.nextSeq = last.Seq + 1
		}
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// AddSink registers a sink for subsequent appends.
func (j *Journal) AddSink(s Sink) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sinks = append(j.sinks, s)
}

// Append assigns the next sequence number, durably stores the entry, and
// fans it out. Returns the stored entry with Seq set.
func (j *Journal) Append(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.nextSeq
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := j.db.Set(entryKey(e.Seq), data, pebble.Sync); err != nil {
		return Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}
	j.nextSeq++

	for _, s := range j.sinks {
		s.Publish(e)
	}
	return e, nil
}

// Range replays entries with Seq in [from, to] in order, stopping early if
// fn returns false. to == 0 means "to the end".
func (j *Journal) Range(from, to uint64, fn func(Entry) bool) error {
	lower := entryKey(from)
	var upper []byte
	if to == 0 {
		upper = keyUpperBound([]byte(prefixEntry))
	} else {
		upper = entryKey(to + 1)
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return fmt.Errorf("corrupt entry at %s: %w", iter.Key(), err)
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Len returns the number of appended entries.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq - 1
}
