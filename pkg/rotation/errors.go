package rotation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid construction arguments.
	ErrValidation = errors.New("rotation validation error")
	// ErrOwnershipConflict is returned when another process owns auto-run.
	ErrOwnershipConflict = errors.New("auto-run is already running elsewhere")
	// ErrClosed is returned by operations on a closed scheduler.
	ErrClosed = errors.New("rotation scheduler closed")
)

func rotationError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
