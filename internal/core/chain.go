package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisDomain = "vaultledger/genesis/v1"

// GenesisHash is the chain tip before the first event of a ledger context.
// Two deployments with different context IDs never share a chain.
func GenesisHash(contextID string) [32]byte {
	h := sha256.New()
	writeField(h, []byte(genesisDomain))
	writeField(h, []byte(contextID))
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// LinkHash is state_hash[n] = SHA-256(prev || n || delta), with n big-endian.
// The verifier calls it directly to walk a persisted chain.
func LinkHash(prev [32]byte, sequence int64, delta []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))
	h.Write(seq[:])
	h.Write(delta)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// hashChain holds the tip. Only the core goroutine touches it.
type hashChain struct {
	tip [32]byte
}

func newHashChain(contextID string) *hashChain {
	return &hashChain{tip: GenesisHash(contextID)}
}

// extend appends one applied event and returns the previous and new tips.
func (c *hashChain) extend(sequence int64, delta []byte) (prev, next [32]byte) {
	prev = c.tip
	c.tip = LinkHash(prev, sequence, delta)
	return prev, c.tip
}

// rewind moves the tip to a snapshot's recorded hash.
func (c *hashChain) rewind(tip [32]byte) { c.tip = tip }
