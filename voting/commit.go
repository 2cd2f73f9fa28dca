package voting

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"fundshield/dispute"
)

// CommitHash is the Keccak-256 commitment of a ballot, hex encoded. Keccak
// matches what an on-chain escrow contract computes with keccak256.
func CommitHash(decision dispute.Ruling, reasoning, nonce string) string {
	return keccakHex([]byte(string(decision) + ":" + reasoning + ":" + nonce))
}

func keccakHex(b []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// Verifies reports whether nonce opens the vote's commitment.
func (v Vote) Verifies(nonce string) bool {
	return CommitHash(v.Decision, v.Reasoning, nonce) == v.CommitHash
}
