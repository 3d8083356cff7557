package errors

import (
	"errors"
	"fmt"

	"github.com/cwlops/confrun/pkg/xerrors"
)

type wrappingError struct {
	message  string
	causedBy error
}

func as[E error](err error) bool {
	if err == nil {
		return false
	}
	p := new(E)
	return errors.As(err, p)
}

func format(e wrappingError) string {
	if e.causedBy == nil {
		return e.message
	}
	if e.message == "" {
		return fmt.Sprintf("caused by: %+v", e.causedBy)
	}
	return fmt.Sprintf("%s / caused by: %+v", e.message, e.causedBy)
}

// Output storage could not be prepared. Fatal: the run aborts and the
// test tool never starts.
type ErrProvisioning wrappingError

var AsProvisioning = as[*ErrProvisioning]

func NewProvisioning(message string) error {
	return xerrors.WrapAsOuter(&ErrProvisioning{message: message}, 1)
}

func NewProvisioningCausedBy(message string, err error) error {
	return xerrors.WrapAsOuter(&ErrProvisioning{message: message, causedBy: err}, 1)
}

func (e *ErrProvisioning) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrProvisioning) Unwrap() error {
	return e.causedBy
}

// The test tool exited non-zero. Terminal unless the run has retry
// budget left.
type ErrInvocation wrappingError

var AsInvocation = as[*ErrInvocation]

func NewInvocation(message string) error {
	return xerrors.WrapAsOuter(&ErrInvocation{message: message}, 1)
}

func NewInvocationCausedBy(message string, err error) error {
	return xerrors.WrapAsOuter(&ErrInvocation{message: message, causedBy: err}, 1)
}

func (e *ErrInvocation) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrInvocation) Unwrap() error {
	return e.causedBy
}

// An input the run needs from its environment (identity, path) is
// missing or unusable. Fatal.
type ErrEnvironment wrappingError

var AsEnvironment = as[*ErrEnvironment]

func NewEnvironment(message string) error {
	return xerrors.WrapAsOuter(&ErrEnvironment{message: message}, 1)
}

func NewEnvironmentCausedBy(message string, err error) error {
	return xerrors.WrapAsOuter(&ErrEnvironment{message: message, causedBy: err}, 1)
}

func (e *ErrEnvironment) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrEnvironment) Unwrap() error {
	return e.causedBy
}

// The requested cluster resource does not exist.
type ErrMissing wrappingError

var AsMissing = as[*ErrMissing]

func NewMissing(message string) error {
	return xerrors.WrapAsOuter(&ErrMissing{message: message}, 1)
}

func NewMissingCausedBy(message string, err error) error {
	return xerrors.WrapAsOuter(&ErrMissing{message: message, causedBy: err}, 1)
}

func (e *ErrMissing) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrMissing) Unwrap() error {
	return e.causedBy
}

// The cluster resource exists already.
type ErrConflict wrappingError

var AsConflict = as[*ErrConflict]

func NewConflict(message string) error {
	return xerrors.WrapAsOuter(&ErrConflict{message: message}, 1)
}

func NewConflictCausedBy(message string, err error) error {
	return xerrors.WrapAsOuter(&ErrConflict{message: message, causedBy: err}, 1)
}

func (e *ErrConflict) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrConflict) Unwrap() error {
	return e.causedBy
}

// Waiting for a cluster resource took too long.
var ErrDeadlineExceeded = errors.New("deadline exceeded")
