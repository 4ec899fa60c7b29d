package journal

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	entryPrefix   = "j|"
	pendingPrefix = "jp|"
)

func entryKey(id string) []byte {
	return []byte(entryPrefix + id)
}

// pendingKey orders a tenant's pending entries by creation time. The
// timestamp is big-endian so lexical iteration is FIFO; the id suffix breaks
// same-nanosecond ties.
func pendingKey(tenantID string, createdAt time.Time, id string) []byte {
	key := make([]byte, 0, len(pendingPrefix)+len(tenantID)+1+8+1+len(id))
	key = append(key, pendingPrefix...)
	key = append(key, tenantID...)
	key = append(key, '|')
	key = binary.BigEndian.AppendUint64(key, uint64(createdAt.UnixNano()))
	key = append(key, '|')
	key = append(key, id...)
	return key
}

// pendingTenant extracts the tenant from a pending-index key. Tenant ids
// cannot contain '|', so the first separator after the prefix is
// unambiguous; the binary timestamp that follows may contain any byte.
func pendingTenant(key []byte) (string, bool) {
	rest := key[len(pendingPrefix):]
	i := bytes.IndexByte(rest, '|')
	if i <= 0 {
		return "", false
	}
	return string(rest[:i]), true
}
