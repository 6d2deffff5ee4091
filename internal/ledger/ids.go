package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ID identifies batches, proposals and requests. IDs are derived from the
// deployment context, a monotonic counter and the entity's fields, so the
// same event stream always yields the same IDs.
type ID [32]byte

var ZeroID ID

// DeriveID hashes the inputs with length prefixes so that no two distinct
// part lists collide by concatenation.
func DeriveID(contextID string, counter uint64, salt string, parts ...string) ID {
	h := sha256.New()
	writeField(h, contextID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	h.Write(buf[:])
	writeField(h, salt)
	for _, p := range parts {
		writeField(h, p)
	}
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	h.Write(buf[:])
	h.Write([]byte(s))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the first eight hex characters, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id ID) IsZero() bool {
	return id == ZeroID
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID decodes a 64-character hex string.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
