package peer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ID is the opaque 128-bit anonymous identifier of a contact
type ID = uuid.UUID

// Nil is the zero identifier; it never names a real peer
var Nil = uuid.Nil

// ErrMalformed is returned for identifiers that cannot name a peer
var ErrMalformed = errors.New("malformed peer id")

// Parse decodes the textual form of a peer identifier
func Parse(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	if id == Nil {
		return Nil, fmt.Errorf("%w: nil uuid", ErrMalformed)
	}
	return id, nil
}

// Validate rejects the Nil identifier
func Validate(id ID) error {
	if id == Nil {
		return fmt.Errorf("%w: nil uuid", ErrMalformed)
	}
	return nil
}

// New generates a random identifier
func New() ID {
	return uuid.New()
}

// Less orders identifiers by their raw bytes
func Less(a, b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Sorted returns the keys of m in canonical byte order
func Sorted[V any](m map[ID]V) []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return Less(ids[i], ids[j]) })
	return ids
}
