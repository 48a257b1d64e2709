package errors

import (
	"errors"
	"fmt"
)

// Error messages.
var (
	ErrNotFound          = errors.New("not found")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrEngineAPI         = errors.New("container engine api error")
	ErrConfig            = errors.New("invalid template configuration")
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrInstanceNotFound is a lookup miss of an instance row, as opposed to
	// an engine object that disappeared.
	ErrInstanceNotFound = fmt.Errorf("instance %w", ErrNotFound)
)

// Lifecycle precondition errors.
var (
	ErrNotMounted         = errors.New("instance overlay is not mounted")
	ErrMountFailed        = errors.New("overlay mount failed")
	ErrIsSubmission       = errors.New("instance is a submission")
	ErrAlreadySubmitted   = errors.New("instance is already linked to a submission")
	ErrInvalidUpgrade     = errors.New("template is not a newer version of the instance template")
	ErrFirstBootFailed    = errors.New("first boot script returned non-zero exit code")
	ErrGatewayNotFound    = errors.New("gateway container not found")
	ErrNoDefaultTemplate  = errors.New("no default template for this name")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrTemplateNotBuilt   = errors.New("template images are not built")
	ErrTemplateBuilding   = errors.New("template build already in progress")
	ErrUnknownUser        = errors.New("unknown user")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrLockNotAcquired    = errors.New("failed to acquire lock")
	ErrInstanceHasNoIP    = errors.New("entry container has no address on the gateway network")
	ErrProxyPoolFull      = errors.New("proxy worker pool is full")
	ErrMessageTooLarge    = errors.New("message body exceeds maximum size")
	ErrMalformedMessage   = errors.New("malformed proxy message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// InconsistentStateError is returned when an operation failed and undoing its
// partial effects failed as well. Cause is the failure that triggered the
// cleanup, Cleanup is what went wrong while cleaning up.
type InconsistentStateError struct {
	Op      string
	Cause   error
	Cleanup error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("%s: inconsistent state: %v (cleanup: %v)", e.Op, e.Cause, e.Cleanup)
}

func (e *InconsistentStateError) Unwrap() []error {
	errs := []error{ErrInconsistentState}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Cleanup != nil {
		errs = append(errs, e.Cleanup)
	}
	return errs
}

func NewInconsistentStateError(op string, cause, cleanup error) *InconsistentStateError {
	return &InconsistentStateError{Op: op, Cause: cause, Cleanup: cleanup}
}
