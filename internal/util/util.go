package util

import (
	"crypto/sha1"
	"encoding/hex"
)

// HashKey returns a stable hex id for an arbitrary string such as a cache path.
func HashKey(str string) string {
	hasher := sha1.New()
	hasher.Write([]byte(str))

	return hex.EncodeToString(hasher.Sum(nil))
}
