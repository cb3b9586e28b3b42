// Package uid provides unique identifier generation for VaultGrid.
package uid

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/google/uuid"
)

// New generates a 32-character hex string suitable for temp file names and
// lock owner tokens.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Token returns a canonical UUID string used to identify lock owners and
// recovery journal entries.
func Token() string {
	return uuid.NewString()
}

// DataID derives a positive 63-bit data object identifier from a random
// UUID. The catalog needs no sequence to allocate one.
func DataID() int64 {
	u := uuid.New()
	id := int64(binary.BigEndian.Uint64(u[:8]) & math.MaxInt64)
	if id == 0 {
		return 1
	}
	return id
}
