// pricesign produces a signed price proof for a feed. Keepers use it to
// assemble settlement calls; tests and local setups use it to play the
// oracle publisher.
//
// Usage:
//
//	pricesign -feed 1 -price 2450.50 -publish 1756700000 [-key <hex>]
//
// Without -key, a throwaway keypair is generated and printed.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/oracle"
)

func main() {
	feedID := flag.Uint64("feed", 1, "price feed id")
	priceStr := flag.String("price", "", "price in USD (decimal)")
	publish := flag.Int64("publish", 0, "publish time, unix seconds (default: now)")
	keyHex := flag.String("key", "", "publisher private key hex (default: generate)")
	flag.Parse()

	if *priceStr == "" {
		fmt.Fprintln(os.Stderr, "missing -price")
		flag.Usage()
		os.Exit(1)
	}
	price, err := decimal.NewFromString(*priceStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid price %q: %v\n", *priceStr, err)
		os.Exit(1)
	}

	publishTime := time.Now()
	if *publish != 0 {
		publishTime = time.Unix(*publish, 0)
	}

	var signer *oracle.Signer
	if *keyHex != "" {
		signer, err = oracle.FromPrivateKeyHex(*keyHex)
	} else {
		signer, err = oracle.GenerateKey()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "signer: %v\n", err)
		os.Exit(1)
	}

	proof, err := signer.SignProof(*feedID, price, publishTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Publisher: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Printf("Feed: %d\n", *feedID)
	fmt.Printf("Price: %s\n", price)
	fmt.Printf("Publish time: %d\n", publishTime.Unix())
	fmt.Printf("Proof: 0x%s\n", hex.EncodeToString(proof))
}
