// Package idgen provides ULID-based ID generation.
//
// ULIDs are lexicographically sortable by creation time, which keeps
// append-only ledger listings in insertion order without a secondary sort.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a bare ULID (26 Crockford base32 chars, lowercased).
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return strings.ToLower(id.String())
}

// WithPrefix generates a prefixed ULID (e.g. "acct_", "led_", "dsp_").
func WithPrefix(prefix string) string {
	return prefix + New()
}

// Hex generates a random hex string of the given byte length. Used for
// secrets rather than identifiers.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
