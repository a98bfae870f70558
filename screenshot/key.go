package screenshot

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashAlgorithm selects the digest used for cache keys.
type HashAlgorithm string

const (
	HashMD5     HashAlgorithm = "md5"
	HashSHA256  HashAlgorithm = "sha256"
	HashBLAKE2b HashAlgorithm = "blake2b"
)

// KeyWidth is the length of every derived key, in hex characters. It fits
// the 32-character key column of the SQL cache table.
const KeyWidth = 32

// Valid reports whether a is a supported algorithm.
func (a HashAlgorithm) Valid() bool {
	switch a {
	case HashMD5, HashSHA256, HashBLAKE2b:
		return true
	}
	return false
}

func (a HashAlgorithm) sum(data []byte) ([]byte, error) {
	switch a {
	case HashMD5:
		s := md5.Sum(data)
		return s[:], nil
	case HashSHA256:
		s := sha256.Sum256(data)
		return s[:], nil
	case HashBLAKE2b:
		s := blake2b.Sum256(data)
		return s[:], nil
	}
	return nil, fmt.Errorf("screenshot: unknown hash algorithm %q", string(a))
}

// Namespace is the cache prefix for keys derived with a. Processes that
// derive keys differently never read each other's slots.
func (a HashAlgorithm) Namespace() string {
	return "thumbcache:" + string(a) + ":"
}

// KeyParams is the input of a key derivation.
type KeyParams struct {
	Kind   Kind
	Digest string
	Window Size
	Thumb  Size
	// State is the optional dashboard state (permalink state). It only
	// contributes to the key when non-empty.
	State map[string]any
}

// DeriveKey fingerprints p. The same params always give the same key.
func DeriveKey(algo HashAlgorithm, p KeyParams) (string, error) {
	args := map[string]any{
		"thumbnail_type": p.Kind,
		"digest":         p.Digest,
		"type":           "thumb",
		"window_size":    p.Window.pair(),
		"thumb_size":     p.Thumb.pair(),
	}
	if len(p.State) > 0 {
		args["dashboard_state"] = p.State
	}
	// encoding/json sorts map keys, nested maps included.
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("screenshot: key params: %w", err)
	}
	sum, err := algo.sum(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum)[:KeyWidth], nil
}
