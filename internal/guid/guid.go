// Package guid generates and validates the server identity strings
// embedded in bus addresses (spec.md's "guid=<hex>" parameter).
package guid

import (
	"encoding/hex"
	"errors"

	uuid "github.com/satori/go.uuid"
)

// ErrMalformed is returned by Parse for a non-hex or wrong-length GUID.
var ErrMalformed = errors.New("guid: malformed GUID")

// New returns a fresh 128-bit GUID rendered as lowercase hex, grounded in
// the teacher's pair.go DeriveUUID/uuid.FromBytes use of satori/go.uuid for
// deriving stable identifiers from key material.
func New() string {
	id := uuid.NewV4()
	return hex.EncodeToString(id.Bytes())
}

// Parse validates that s is a well-formed GUID (32 hex chars; letter case
// is not checked).
func Parse(s string) error {
	if len(s) != 32 {
		return ErrMalformed
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ErrMalformed
	}
	return nil
}
