package registry

import (
	"crypto/sha256"
	"encoding/hex"
)

// MaskKey hashes a secret (session key, credentials) for log output.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
