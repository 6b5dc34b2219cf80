package deploy

import (
	"errors"
	"fmt"

	"github.com/modelpilot/canary/internal/api"
)

var (
	// ErrNotFound is returned for unknown deployment ids.
	ErrNotFound = errors.New("deployment not found")

	// ErrVersionConflict is returned by stores when a compare-and-set
	// update observes a stale version. The manager retries or translates
	// it; callers of the manager never see it directly.
	ErrVersionConflict = errors.New("deployment version conflict")
)

// ValidationError marks a malformed configuration, rejected before any
// state change.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid deployment config: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InvalidTransitionError reports an operation attempted from an incompatible
// lifecycle state. Current always carries the state at rejection time.
type InvalidTransitionError struct {
	Op       string
	Current  api.DeploymentStatus
	Required api.DeploymentStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.Required == "" {
		return fmt.Sprintf("cannot %s deployment in state %q", e.Op, e.Current)
	}
	return fmt.Sprintf("cannot %s deployment in state %q (requires %q)", e.Op, e.Current, e.Required)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
