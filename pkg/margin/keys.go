package margin

import "fmt"

// Pebble key schema. Account ids are zero-padded so range scans return
// accounts in id order.
const (
	prefixAccount = "acc:"
	keyNextID     = "meta:nextAccount"
)

// accountKey returns the key for an account.
// Format: "acc:{id:020d}"
func accountKey(id AccountID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAccount, id))
}

// accountPrefix returns the prefix covering every account key.
func accountPrefix() []byte {
	return []byte(prefixAccount)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
