package storage

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

type domainKey [32]byte

// Keyed hashing keeps record hashes and derived ids in separate domains.
// Changing a key invalidates every hash in that domain.
var (
	objectDomainKey = domainKey{
		'e', 'n', 'g', 'r', 'a', 'm', '.', 'o', 'b', 'j', 'e', 'c', 't',
	}
	idDomainKey = domainKey{
		'e', 'n', 'g', 'r', 'a', 'm', '.', 'i', 'd',
	}
)

func keyedHash(key domainKey, parts ...[]byte) [32]byte {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("storage: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write(p)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// objectHash addresses an encoded record in the arena.
func objectHash(data []byte) string {
	sum := keyedHash(objectDomainKey, data)
	return hex.EncodeToString(sum[:])
}

// DerivedID returns a stable identifier for a tuple of strings. Callers that
// need idempotent creates (one relationship per source/target/type) use it
// instead of a random id.
func DerivedID(prefix string, parts ...string) string {
	bs := make([][]byte, len(parts))
	for i, p := range parts {
		bs[i] = []byte(p)
	}
	sum := keyedHash(idDomainKey, bs...)
	return prefix + "-" + hex.EncodeToString(sum[:16])
}
