package util

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest returns the hex-encoded BLAKE3-256 hash of data. It identifies a
// finalized session log in upload headers and CLI summaries.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
