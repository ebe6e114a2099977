package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSecretMismatch is returned when the presented client secret does not
// match the stored one. Nothing is mutated.
var ErrSecretMismatch = errors.New("client secret mismatch")

// ValidationError lists every problem found in a definition or update.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
