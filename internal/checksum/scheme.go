// Package checksum computes replica content digests and implements the
// register and verify operations used during finalize.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Scheme names a digest algorithm and its string encoding.
type Scheme string

const (
	// SHA256 encodes as "sha2:" followed by the base64 digest.
	SHA256 Scheme = "sha2"
	// MD5 encodes as bare lowercase hex.
	MD5 Scheme = "md5"
	// XXH64 encodes as "xxh64:" followed by hex.
	XXH64 Scheme = "xxh64"
)

// DefaultScheme is used when neither configuration nor the original
// checksum selects one.
const DefaultScheme = SHA256

// ParseScheme validates a configured scheme name.
func ParseScheme(name string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(name))) {
	case SHA256, "sha256":
		return SHA256, nil
	case MD5:
		return MD5, nil
	case XXH64, "xxhash":
		return XXH64, nil
	}
	return "", fmt.Errorf("unsupported checksum scheme %q", name)
}

// SchemeOf infers the scheme an encoded checksum was produced with.
func SchemeOf(encoded string) (Scheme, bool) {
	switch {
	case strings.HasPrefix(encoded, string(SHA256)+":"):
		return SHA256, true
	case strings.HasPrefix(encoded, string(XXH64)+":"):
		return XXH64, true
	case len(encoded) == 2*md5.Size && isHex(encoded):
		return MD5, true
	}
	return "", false
}

func (s Scheme) newHash() (hash.Hash, error) {
	switch s {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	case XXH64:
		return xxhash.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum scheme %q", s)
}

func (s Scheme) encode(sum []byte) string {
	switch s {
	case SHA256:
		return string(SHA256) + ":" + base64.StdEncoding.EncodeToString(sum)
	case XXH64:
		return string(XXH64) + ":" + hex.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// Compute streams r through the scheme's hash and returns the encoded digest.
func Compute(r io.Reader, s Scheme) (string, error) {
	h, err := s.newHash()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("reading replica data: %w", err)
	}
	return s.encode(h.Sum(nil)), nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
