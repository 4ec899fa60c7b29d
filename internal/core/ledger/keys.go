package ledger

import "encoding/binary"

// Key layout. Sequence components are big-endian u64 so lexical key order is
// numeric order.
//
//	l|<tenant>|<seq>      event record
//	lh|<tenant>|<hash>    currentHash -> seq
//	li|<tenant>|<eventId> event id -> seq
//	le|<entityId>|<seq>   entity history -> event key
//	lm|<tenant>           tenant chain meta
const (
	eventPrefix   = "l|"
	hashPrefix    = "lh|"
	idPrefix      = "li|"
	historyPrefix = "le|"
	metaPrefix    = "lm|"
)

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func seqFromBytes(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func eventKey(tenant string, seq uint64) []byte {
	return append([]byte(eventPrefix+tenant+"|"), seqBytes(seq)...)
}

func eventKeyPrefix(tenant string) []byte {
	return []byte(eventPrefix + tenant + "|")
}

func hashKey(tenant, hash string) []byte {
	return []byte(hashPrefix + tenant + "|" + hash)
}

func idKey(tenant, eventID string) []byte {
	return []byte(idPrefix + tenant + "|" + eventID)
}

func historyKey(entityID string, seq uint64) []byte {
	return append([]byte(historyPrefix+entityID+"|"), seqBytes(seq)...)
}

func historyKeyPrefix(entityID string) []byte {
	return []byte(historyPrefix + entityID + "|")
}

func metaKey(tenant string) []byte {
	return []byte(metaPrefix + tenant)
}
