package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cursor is a keyset position in a listing ordered by (createdAt desc, id desc): the last item
// the previous page returned.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type cursorWire struct {
	CreatedAt string `json:"c"`
	ID        string `json:"i"`
}

// EncodeCursor renders c as an opaque URL-safe token. The zero cursor encodes to "".
func EncodeCursor(c Cursor) string {
	if c.ID == "" {
		return ""
	}
	data, _ := json.Marshal(cursorWire{CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token from EncodeCursor. An empty token is the zero cursor; anything
// else that does not decode fails with ErrInvalidPageToken.
func DecodeCursor(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var wire cursorWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if strings.TrimSpace(wire.ID) == "" {
		return Cursor{}, fmt.Errorf("%w: missing id", ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, wire.CreatedAt)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return Cursor{CreatedAt: createdAt.UTC(), ID: wire.ID}, nil
}
