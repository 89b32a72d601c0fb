package kms

import "github.com/pkg/errors"

var (
	// ErrUnknownKeyID reports an operation on a KeyID the scheme never
	// initialized.
	ErrUnknownKeyID = errors.New("kms: unknown key id")

	// ErrDeserialization reports persisted bytes that do not parse as
	// valid state.
	ErrDeserialization = errors.New("kms: state deserialization failed")

	// ErrIntegrity reports public and private partitions that fail their
	// cross-consistency check when loaded together.
	ErrIntegrity = errors.New("kms: public/private state mismatch")

	// ErrPersistence reports an underlying I/O failure during persist or
	// load, wrapping the collaborator's error.
	ErrPersistence = errors.New("kms: persistence failure")

	// ErrRandomness reports a failure of the caller-supplied randomness
	// source.
	ErrRandomness = errors.New("kms: randomness source failure")

	// ErrPrecondition reports a violated caller obligation that the type
	// system cannot enforce, such as retaining a key across an update.
	// Surfaced only by test instrumentation (pkg/checked), never by a
	// scheme during normal operation.
	ErrPrecondition = errors.New("kms: caller precondition violated")

	// ErrDestroyed reports use of a scheme after Destroy.
	ErrDestroyed = errors.New("kms: scheme destroyed")
)

// Wrap ties cause to one of the sentinel kinds above. The result matches
// the kind under errors.Is and unwraps to cause, so callers can branch on
// the taxonomy while still reaching the collaborator's error.
func Wrap(kind, cause error, msg string) error {
	if cause == nil {
		return errors.WithMessage(kind, msg)
	}
	return &kindError{kind: kind, cause: cause, msg: msg}
}

type kindError struct {
	kind  error
	cause error
	msg   string
}

func (e *kindError) Error() string {
	return e.msg + ": " + e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.cause
}
