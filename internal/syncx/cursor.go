package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursor is an opaque position in a tenant's delta stream.
// Format: base64("<updated_at_ms>|<entity>|<uuid>"). Ordering by the
// (updated_at_ms, entity, uid) tuple keeps pagination deterministic
// even when many records share a timestamp, which a bare watermark
// cannot guarantee.
type Cursor struct {
	Ms     int64
	Entity Entity
	UID    uuid.UUID
}

// EncodeCursor renders c as an opaque string. The zero cursor encodes
// to "" (meaning: start from the beginning).
func EncodeCursor(c Cursor) string {
	if c.Ms == 0 && c.Entity == "" && c.UID == uuid.Nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s|%s", c.Ms, c.Entity, c.UID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor string. Returns the zero cursor
// and false for empty or malformed input.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	parts := strings.Split(string(b), "|")
	if len(parts) != 3 {
		return Cursor{}, false
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	ent := Entity(parts[1])
	if !ValidEntity(ent) {
		return Cursor{}, false
	}

	id, err := uuid.Parse(parts[2])
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Ms: ms, Entity: ent, UID: id}, true
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string.
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
