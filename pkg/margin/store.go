package margin

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/keeperlabs/perpcore/pkg/market"
)

// Store provides pebble-based persistence for margin accounts.
// All access goes through the Ledger's mutex.
type Store struct {
	db *pebble.DB
}

// NewStore opens a pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAccount persists an account.
func (s *Store) SaveAccount(acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(acc.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccount loads an account, or nil if it doesn't exist.
func (s *Store) LoadAccount(id AccountID) (*Account, error) {
	data, closer, err := s.db.Get(accountKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if acc.Positions == nil {
		acc.Positions = make(map[market.ID]*Position)
	}
	return &acc, nil
}

// LoadAllAccounts scans every persisted account, in id order.
func (s *Store) LoadAllAccounts() ([]*Account, error) {
	prefix := accountPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var accounts []*Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue // skip invalid entries
		}
		if acc.Positions == nil {
			acc.Positions = make(map[market.ID]*Position)
		}
		accounts = append(accounts, &acc)
	}
	return accounts, nil
}

// NextID returns the persisted id counter, starting at 1.
func (s *Store) NextID() (AccountID, error) {
	data, closer, err := s.db.Get([]byte(keyNextID))
	if err == pebble.ErrNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get next id: %w", err)
	}
	defer closer.Close()

	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt next id value: %d bytes", len(data))
	}
	return AccountID(binary.BigEndian.Uint64(data)), nil
}

// SaveNextID persists the id counter.
func (s *Store) SaveNextID(id AccountID) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	if err := s.db.Set([]byte(keyNextID), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("failed to save next id: %w", err)
	}
	return nil
}
