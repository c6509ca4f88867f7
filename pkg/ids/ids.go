// Package ids provides the 128-bit identifiers used for libraries and chunks.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrInvalidID is returned when a string does not decode to a well-formed ID.
var ErrInvalidID = errors.New("ids: invalid id")

// ID is a 128-bit identifier, printed as 32 lowercase hex characters.
type ID [16]byte

// Nil is the zero-value ID, never produced by New.
var Nil ID

// New generates a random 128-bit ID from a cryptographic source.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("ids: failed to read random bytes: " + err.Error())
	}
	return id
}

// String renders the ID as 32 lowercase hex characters.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Parse decodes a 32-character hex string produced by String.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != 32 {
		return id, ErrInvalidID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	return id, nil
}

// MarshalText implements encoding.TextMarshaler so IDs round-trip through
// JSON/YAML as plain hex strings rather than base64 byte arrays.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
