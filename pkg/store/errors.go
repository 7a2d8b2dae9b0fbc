package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound is returned when an entry is absent or expired.
	ErrNotFound = errors.New("cache entry not found")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidClient is returned for client names outside [A-Za-z0-9_-].
	ErrInvalidClient = errors.New("invalid client name")
)

// ValidationError reports invalid input to the repository.
type ValidationError struct {
	Fields []string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed: %s", e.Reason)
	if len(e.Fields) > 0 {
		msg = fmt.Sprintf("validation failed on %s: %s", strings.Join(e.Fields, ", "), e.Reason)
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrValidation) hold for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateEntry(e *Entry) error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Reason: err.Error(), Err: err}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{Fields: fields, Reason: "required field missing", Err: err}
}
