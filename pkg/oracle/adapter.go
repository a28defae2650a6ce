// Package oracle verifies externally signed price payloads and resolves
// them into settlement prices. A proof embeds the feed id, a fixed-point
// price, its publish time, and a secp256k1 signature from the trusted
// publisher; anything malformed, mis-signed, or outside the freshness
// bounds is rejected.
package oracle

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/util"
)

// Adapter resolves verified prices for the order engine. One trusted
// publisher signs every feed; rotating the publisher is a config change.
type Adapter struct {
	trustedSigner common.Address
	clock         util.Clock
}

// NewAdapter creates an adapter that accepts proofs signed by trustedSigner.
func NewAdapter(trustedSigner common.Address, clock util.Clock) *Adapter {
	return &Adapter{
		trustedSigner: trustedSigner,
		clock:         clock,
	}
}

// Resolve verifies proofBytes against the feed and the requested publish
// time and returns the embedded price. The caller fixes the publish time;
// a proof published at any other second is rejected rather than silently
// substituted. Freshness needs no separate bound: the requested time pins
// the proof to one instant, and how long that instant stays acceptable is
// the caller's window to enforce.
func (a *Adapter) Resolve(feedID uint64, proofBytes []byte, requestedPublishTime time.Time) (decimal.Decimal, error) {
	p, err := decodeProof(proofBytes)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed proof: %w", err)
	}

	if p.FeedID != feedID {
		return decimal.Zero, fmt.Errorf("proof is for feed %d, want %d", p.FeedID, feedID)
	}
	if !p.PublishTime.Equal(requestedPublishTime.Truncate(time.Second)) {
		return decimal.Zero, fmt.Errorf("proof published at %d, requested %d",
			p.PublishTime.Unix(), requestedPublishTime.Unix())
	}

	now := a.clock.Now()
	if p.PublishTime.After(now) {
		return decimal.Zero, fmt.Errorf("proof published in the future (%d > %d)",
			p.PublishTime.Unix(), now.Unix())
	}

	signer, err := recoverSigner(proofBytes, p.Signature)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad signature: %w", err)
	}
	if signer != a.trustedSigner {
		return decimal.Zero, fmt.Errorf("proof signed by %s, trusted signer is %s",
			signer.Hex(), a.trustedSigner.Hex())
	}

	return p.Price, nil
}
