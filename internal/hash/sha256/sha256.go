// Package sha256 produces hex digests for content-addressed artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short returns the first n hex characters of the digest, used to build
// content-addressed artifact names.
func Short(data []byte, n int) string {
	full := Sum(data)
	if n <= 0 || n >= len(full) {
		return full
	}
	return full[:n]
}
