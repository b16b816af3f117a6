package delta

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureMismatch means a signature did not verify against the authority key
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrMalformed means a message could not be checked or carries out of range values
	ErrMalformed = errors.New("malformed delta")
)

// VerificationError rejects a whole batch because of one message
type VerificationError struct {
	Index  int    // position of the offending message in the submitted batch
	Reason string // human readable; do not match on it
	Err    error  // ErrSignatureMismatch or ErrMalformed
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("delta %d rejected: %s: %v", e.Index, e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func malformed(index int, reason string) error {
	return &VerificationError{Index: index, Reason: reason, Err: ErrMalformed}
}

func mismatch(index int) error {
	return &VerificationError{Index: index, Reason: "authority signature does not verify", Err: ErrSignatureMismatch}
}
