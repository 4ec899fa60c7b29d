package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Genesis is the sentinel standing in for the hash of the nonexistent
// predecessor: the previousHash of a tenant's first ledger event and the
// prevRootHash of its first anchor.
const Genesis = "GENESIS"

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// EventHash computes the chained hash of a ledger event:
// SHA-256 over the canonical payload bytes, the previous event's hash
// (or Genesis for the first event), and the decimal sequence number.
func EventHash(canonicalPayload []byte, previousHash string, seq uint64) string {
	if previousHash == "" {
		previousHash = Genesis
	}
	h := sha256.New()
	h.Write(canonicalPayload)
	h.Write([]byte(previousHash))
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// EventHashOf canonicalizes payload and computes EventHash. Callers that
// already hold canonical bytes should use EventHash directly.
func EventHashOf(payload any, previousHash string, seq uint64) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return EventHash(canonical, previousHash, seq), nil
}
