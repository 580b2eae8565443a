// Package pagination implements keyset cursors for list endpoints.
//
// A cursor names the (created_at, id) key of the last row a client has
// seen; the next page is everything strictly older than that key, with
// ties on the timestamp broken by id. The webhook event listing pages
// this way so new deliveries arriving between requests can never shift
// rows across page boundaries the way offset pagination does.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for a cursor that did not come from
// Encode: bad base64, a missing separator, or a non-numeric timestamp.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the decoded position: the key of the last row on the
// previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs the key into an opaque URL-safe token. The wire form is
// base64("<unix nanos>|<id>"); clients must treat it as opaque.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. An empty token means
// "first page" and decodes to a nil cursor.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. The extra row, if
// present, only signals that more rows exist; key extracts the
// (created_at, id) of the last row kept, which becomes the next cursor.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
