package clearing

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed anchors the state-hash chain. Changing it invalidates every
// previously persisted envelope.
const GenesisHashSeed = "PerpVamm:genesis:v1"

// StateHasher chains deterministic state hashes:
// hash[N] = SHA-256(hash[N-1] || sequence || state digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash advances the chain by one link and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash re-anchors the chain, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
