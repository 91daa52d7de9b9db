// Package fingerprint derives deterministic cache keys for persisted-query requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSerialization indicates the variables mapping could not be canonicalized.
// Callers report it as a client error, never a process failure.
var ErrSerialization = errors.New("variables cannot be serialized")

// Compute maps (persistHash, variables) to a 64-character lowercase hex
// SHA-256 digest. Identical inputs always yield the identical fingerprint:
// a nil variables mapping contributes an empty canonical string, and
// encoding/json writes map keys in sorted order, so key order never
// influences the result.
func Compute(persistHash string, variables map[string]any) (string, error) {
	canonical := ""
	if variables != nil {
		data, err := json.Marshal(variables)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		canonical = string(data)
	}

	sum := sha256.Sum256([]byte(persistHash + canonical))
	return hex.EncodeToString(sum[:]), nil
}
