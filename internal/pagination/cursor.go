// Package pagination implements the opaque keyset cursors used by
// ledger history listings. A cursor pins the (created_at, id) of the
// last row served; the next page starts strictly after it, so
// concurrent inserts cannot shift rows between pages.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor reports a cursor that did not come from Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the decoded page position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a row key into an opaque URL-safe token.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 36) + "." + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. An empty token means the
// first page and decodes to nil without error.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	stamp, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(stamp, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to the page served to the
// client. When the extra row is present there is another page, and the
// returned cursor points at the last row kept.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
