// Package cursor implements the keyset row pager: stable, resumable
// pagination over a table ordered by primary key, with an offset fallback
// for tables where no usable key can be determined.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Mode selects how a table is paged.
type Mode string

const (
	// ModeKeyset pages by "primary key strictly greater than last seen",
	// stable under concurrent writes.
	ModeKeyset Mode = "keyset"
	// ModeOffset pages by LIMIT/OFFSET. Unstable under concurrent writes;
	// used only when no key column can be determined.
	ModeOffset Mode = "offset"
)

// Cursor is the resumable paging position for one table.
type Cursor struct {
	Mode      Mode   `json:"mode"`
	KeyColumn string `json:"key_column,omitempty"`
	LastKey   string `json:"last_key,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
}

// Encode serializes the cursor to an opaque base64 string.
func (c *Cursor) Encode() (string, error) {
	if c.Mode != ModeKeyset && c.Mode != ModeOffset {
		return "", fmt.Errorf("invalid cursor mode %q", c.Mode)
	}
	jsonData, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(jsonData), nil
}

// Decode deserializes a cursor from an opaque base64 string.
func Decode(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty cursor string")
	}

	jsonData, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(jsonData, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}

	switch c.Mode {
	case ModeKeyset:
		if c.KeyColumn == "" {
			return nil, fmt.Errorf("keyset cursor missing key column")
		}
	case ModeOffset:
	default:
		return nil, fmt.Errorf("invalid cursor mode %q", c.Mode)
	}

	return &c, nil
}
