package compression

import (
	"errors"
	"fmt"
)

// ErrInvalidData is returned when data is not a valid compressed stream.
var ErrInvalidData = errors.New("invalid compressed data")

// Error reports a failed compress or decompress operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compression %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
