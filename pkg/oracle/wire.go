package oracle

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Wire format of a price proof, fixed-width so keepers can assemble it
// off-chain and any relayer can forward it untouched:
//
//	[0:8)    feed id, big-endian uint64
//	[8:40)   price, big-endian unsigned integer scaled by 1e18
//	[40:48)  publish time, big-endian uint64 unix seconds
//	[48:113) secp256k1 signature [R || S || V] over keccak256([0:48))
const (
	proofFeedOff    = 0
	proofPriceOff   = 8
	proofPublishOff = 40
	proofSigOff     = 48
	ProofLen        = 113
)

// priceScale is the fixed-point scale of the wire price (18 decimals).
var priceScale = int32(-18)

type payload struct {
	FeedID      uint64
	Price       decimal.Decimal
	PublishTime time.Time
	Signature   []byte
}

// signingHash is the digest the feed signer commits to: everything before
// the signature bytes.
func signingHash(raw []byte) []byte {
	return crypto.Keccak256(raw[:proofSigOff])
}

func decodeProof(raw []byte) (payload, error) {
	if len(raw) != ProofLen {
		return payload{}, fmt.Errorf("proof must be %d bytes, got %d", ProofLen, len(raw))
	}

	feedID := binary.BigEndian.Uint64(raw[proofFeedOff:proofPriceOff])
	priceInt := new(big.Int).SetBytes(raw[proofPriceOff:proofPublishOff])
	publish := binary.BigEndian.Uint64(raw[proofPublishOff:proofSigOff])

	if priceInt.Sign() == 0 {
		return payload{}, fmt.Errorf("zero price")
	}

	return payload{
		FeedID:      feedID,
		Price:       decimal.NewFromBigInt(priceInt, priceScale),
		PublishTime: time.Unix(int64(publish), 0),
		Signature:   raw[proofSigOff:],
	}, nil
}

// EncodeProof assembles an unsigned proof body. The signature bytes are
// zeroed; Signer.SignProof fills them in.
func EncodeProof(feedID uint64, price decimal.Decimal, publishTime time.Time) ([]byte, error) {
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("price must be positive, got %s", price)
	}

	scaled := price.Shift(-priceScale).BigInt()
	priceBytes := scaled.Bytes()
	if len(priceBytes) > 32 {
		return nil, fmt.Errorf("price %s overflows 32 bytes", price)
	}

	raw := make([]byte, ProofLen)
	binary.BigEndian.PutUint64(raw[proofFeedOff:], feedID)
	copy(raw[proofPublishOff-len(priceBytes):proofPublishOff], priceBytes)
	binary.BigEndian.PutUint64(raw[proofPublishOff:], uint64(publishTime.Unix()))
	return raw, nil
}
