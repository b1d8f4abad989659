package pipeerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNothingToDo marks a legitimate terminal condition such as a brick with
	// no overlapping imagery or no surviving sources.
	ErrNothingToDo = errors.New("nothing to do")
	// ErrConfiguration marks invalid user input (unknown brick, bad flags).
	ErrConfiguration = errors.New("configuration error")
	// ErrBlobFit marks a failure raised while fitting a single blob.
	ErrBlobFit = errors.New("blob fit failure")
	// ErrCheckpointCorrupt marks a checkpoint file that could not be parsed.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrStage marks a stage contract violation (missing input, undeclared output).
	ErrStage = errors.New("stage error")
)

const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker. The marker should be one of the sentinels above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrStage
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Configf is shorthand for a configuration error with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// NothingToDof is shorthand for a nothing-to-do condition with a formatted message.
func NothingToDof(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNothingToDo, fmt.Sprintf(format, args...))
}

// BlobFitError identifies the blob whose fit failed.
type BlobFitError struct {
	BlobID int
	Err    error
}

func (e *BlobFitError) Error() string {
	return fmt.Sprintf("%s: blob %d: %v", ErrBlobFit, e.BlobID, e.Err)
}

func (e *BlobFitError) Unwrap() []error {
	return []error{ErrBlobFit, e.Err}
}

// ExitCode maps a terminal pipeline error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrNothingToDo):
		return ExitOK
	case errors.Is(err, ErrConfiguration):
		return ExitConfiguration
	default:
		return ExitFailure
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
