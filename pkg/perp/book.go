package perp

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
)

// bookKey addresses the single order slot of an (account, market) pair.
type bookKey struct {
	Account margin.AccountID
	Market  market.ID
}

// Pebble key schema. Ids are zero-padded so range scans stay ordered.
//
//	ord:{account:020d}:{market:020d}  pending order (JSON)
//	skew:{market:020d}                market skew (decimal string)
func orderKey(k bookKey) []byte {
	return []byte(fmt.Sprintf("ord:%020d:%020d", k.Account, k.Market))
}

func skewKey(id market.ID) []byte {
	return []byte(fmt.Sprintf("skew:%020d", id))
}

// OrderBook owns every pending order and the per-market skew the fill
// price model consults. It is a dumb store: all transition rules live in
// the Engine, which serializes access; the book itself holds no lock.
type OrderBook struct {
	db     *pebble.DB
	orders map[bookKey]Order
	skew   map[market.ID]decimal.Decimal
}

// OpenBook opens the order book backed by a pebble database at dbPath and
// warms the in-memory state from it.
func OpenBook(dbPath string) (*OrderBook, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open order book db at %s: %w", dbPath, err)
	}

	b := &OrderBook{
		db:     db,
		orders: make(map[bookKey]Order),
		skew:   make(map[market.ID]decimal.Decimal),
	}
	if err := b.load(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *OrderBook) load() error {
	iter, err := b.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		switch {
		case len(key) > 4 && key[:4] == "ord:":
			var k bookKey
			if _, err := fmt.Sscanf(key, "ord:%020d:%020d", &k.Account, &k.Market); err != nil {
				continue
			}
			var o Order
			if err := json.Unmarshal(iter.Value(), &o); err != nil {
				continue
			}
			if o.Exists() {
				b.orders[k] = o
			}
		case len(key) > 5 && key[:5] == "skew:":
			var id market.ID
			if _, err := fmt.Sscanf(key, "skew:%020d", &id); err != nil {
				continue
			}
			d, err := decimal.NewFromString(string(iter.Value()))
			if err != nil {
				continue
			}
			b.skew[id] = d
		}
	}
	return nil
}

// Close closes the underlying database.
func (b *OrderBook) Close() error {
	return b.db.Close()
}

// Get returns the pending order for the key; Exists() is false when the
// slot is empty.
func (b *OrderBook) Get(account margin.AccountID, marketID market.ID) Order {
	return b.orders[bookKey{Account: account, Market: marketID}]
}

// Put stores a pending order.
func (b *OrderBook) Put(account margin.AccountID, marketID market.ID, o Order) error {
	k := bookKey{Account: account, Market: marketID}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := b.db.Set(orderKey(k), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	b.orders[k] = o
	return nil
}

// Clear zeroes the order slot. Only the settlement and cancellation paths
// call this; it is not part of the external surface.
func (b *OrderBook) Clear(account margin.AccountID, marketID market.ID) error {
	k := bookKey{Account: account, Market: marketID}
	if err := b.db.Delete(orderKey(k), pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear order: %w", err)
	}
	delete(b.orders, k)
	return nil
}

// Skew returns the market's current skew (sum of settled size deltas).
func (b *OrderBook) Skew(id market.ID) decimal.Decimal {
	if s, ok := b.skew[id]; ok {
		return s
	}
	return decimal.Zero
}

// ApplySkew folds a settled size delta into the market skew.
func (b *OrderBook) ApplySkew(id market.ID, delta decimal.Decimal) error {
	next := b.Skew(id).Add(delta)
	if err := b.db.Set(skewKey(id), []byte(next.String()), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save skew: %w", err)
	}
	b.skew[id] = next
	return nil
}

// PendingCount returns the number of live orders across all keys.
func (b *OrderBook) PendingCount() int {
	return len(b.orders)
}
