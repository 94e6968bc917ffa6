package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "CoverLedger:genesis:v1:"

// GenesisHash is the chain root for a pool in denom. Pools in different
// denominations never share a chain.
func GenesisHash(denom string) [32]byte {
	return sha256.Sum256([]byte(genesisHashSeed + denom))
}

// StateHasher maintains the state hash chain:
//
//	state_hash[N] = SHA-256(prev_hash || sequence || epoch || state_digest)
//
// The epoch is the one pinned on the command, so expiry decisions are part
// of what replay has to reproduce.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher(denom string) *StateHasher {
	return &StateHasher{prevHash: GenesisHash(denom)}
}

// ComputeHash links the next state onto the chain and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, epoch uint64, stateDigest []byte) [32]byte {
	var header [16]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(sequence))
	binary.LittleEndian.PutUint64(header[8:], epoch)

	hasher := sha256.New()
	hasher.Write(h.prevHash[:])
	hasher.Write(header[:])
	hasher.Write(stateDigest)

	copy(h.prevHash[:], hasher.Sum(nil))
	return h.prevHash
}

// GetPrevHash returns the chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip on snapshot restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
