// Package pagination implements the opaque keyset cursor shared with the
// backend and a pager that walks a cursor-paginated id listing.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
)

// StartCursor is the id the first page starts after. Ids are positive, so a
// listing "after 0" begins at the first id.
const StartCursor int64 = 0

type cursorPayload struct {
	LastID json.Number `json:"lastId"`
}

// EncodeCursor returns the opaque cursor for a page ending at lastID:
// base64url (unpadded) of {"lastId":<lastID>}.
func EncodeCursor(lastID int64) string {
	raw := `{"lastId":` + strconv.FormatInt(lastID, 10) + `}`
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor extracts the last id from a cursor. Anything that is not a
// well-formed cursor with a positive id, including the empty string, decodes
// to StartCursor.
func DecodeCursor(cursor string) int64 {
	if cursor == "" {
		return StartCursor
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		// Tolerate padded input from clients that re-encode.
		raw, err = base64.URLEncoding.DecodeString(cursor)
		if err != nil {
			return StartCursor
		}
	}

	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return StartCursor
	}
	id, err := payload.LastID.Int64()
	if err != nil || id <= 0 {
		return StartCursor
	}
	return id
}
