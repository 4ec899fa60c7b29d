// Package anchor periodically seals contiguous ledger ranges under Merkle
// roots. Each anchor covers the events appended since the previous one and
// chains to that anchor's root, so a tenant's whole history is summarized by
// a short root chain that can be spot-checked without replaying payloads.
package anchor

import (
	"encoding/binary"
	"time"

	"github.com/tallyhq/tallyd/internal/core/hashing"
)

// Anchor seals the event range [StartSeq, EndSeq] under a Merkle root built
// from the events' currentHash values in sequence order.
type Anchor struct {
	Tenant       string    `codec:"tenant" json:"tenant"`
	StartSeq     uint64    `codec:"startSequence" json:"startSequence"`
	EndSeq       uint64    `codec:"endSequence" json:"endSequence"`
	RootHash     string    `codec:"rootHash" json:"rootHash"`
	PrevRootHash string    `codec:"prevRootHash" json:"prevRootHash"`
	EventCount   int       `codec:"eventCount" json:"eventCount"`
	TreeDepth    int       `codec:"treeDepth" json:"treeDepth"`
	Verified     bool      `codec:"verified" json:"verified"`
	CreatedAt    time.Time `codec:"createdAt" json:"createdAt"`
}

// Meta tracks a tenant's anchor chain head.
type Meta struct {
	LastEndSeq uint64    `codec:"lastEndSeq" json:"lastEndSeq"`
	LastRoot   string    `codec:"lastRoot" json:"lastRoot"`
	UpdatedAt  time.Time `codec:"updatedAt" json:"updatedAt"`
}

// Proof is one event's inclusion proof against the anchor that seals it.
type Proof struct {
	RootHash string              `codec:"rootHash" json:"rootHash"`
	Steps    []hashing.ProofStep `codec:"proof" json:"proof"`
	Anchor   *Anchor             `codec:"anchor" json:"anchor"`
}

// Key layout. The end sequence is big-endian u64 so lexical key order is
// numeric order.
//
//	a|<tenant>|<endSeq>  anchor record
//	am|<tenant>          anchor chain meta
const (
	anchorPrefix = "a|"
	metaPrefix   = "am|"
)

func anchorKey(tenant string, endSeq uint64) []byte {
	key := []byte(anchorPrefix + tenant + "|")
	return binary.BigEndian.AppendUint64(key, endSeq)
}

func anchorKeyPrefix(tenant string) []byte {
	return []byte(anchorPrefix + tenant + "|")
}

func metaKey(tenant string) []byte {
	return []byte(metaPrefix + tenant)
}
