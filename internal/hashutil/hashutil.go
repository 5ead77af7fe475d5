// Package hashutil holds the hashing primitives shared by the key stores
// and the sharded in-memory maps.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// TruncatedSHA256 returns the hex encoding of the first n bytes of the
// SHA-256 digest of s. n is clamped to the digest size.
func TruncatedSHA256(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	if n <= 0 || n > len(sum) {
		n = len(sum)
	}
	return hex.EncodeToString(sum[:n])
}

// Shard maps key onto [0, n) for shard selection. n must be > 0.
func Shard(key string, n uint32) uint32 {
	return uint32(xxhash.Sum64String(key) % uint64(n))
}
