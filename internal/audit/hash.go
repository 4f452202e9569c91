package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest computes the SHA-256 digest of data as a lowercase hex string.
// Deterministic and stateless; all chain hashes in the system are produced
// through this function.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
