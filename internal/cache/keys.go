package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key builds a namespaced cache key. Parts longer than 64 bytes are
// replaced with a digest so keys stay bounded regardless of symptom text.
func Key(parts ...string) string {
	safe := make([]string, 0, len(parts)+1)
	safe = append(safe, "aegis-ir")
	for _, p := range parts {
		if len(p) > 64 {
			sum := sha256.Sum256([]byte(p))
			p = hex.EncodeToString(sum[:8])
		}
		safe = append(safe, p)
	}
	return strings.Join(safe, ":")
}
