package backend

import "errors"

// Stable machine-readable error kinds.
const (
	KindNotFound           = "not-found"
	KindAlreadyExists      = "already-exists"
	KindPreconditionFailed = "precondition-failed"
)

// Error is a classified storage failure.
type Error struct {
	// Kind is the stable machine-readable class of the failure.
	Kind string

	// Status is the backend's numeric status for the class.
	Status int

	// Message describes this occurrence.
	Message string
}

func (e *Error) Error() string {
	return "lattice: " + e.Message
}

// Is matches any *Error of the same Kind, so classified failures
// compare equal to the canonical values below under errors.Is
// regardless of message or wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Canonical error values. Backends wrap these (or values matching them
// by Kind) into the errors they return.
var (
	// ErrNotFound is returned when a record or table doesn't exist.
	ErrNotFound = &Error{Kind: KindNotFound, Status: 404, Message: "entity not found"}

	// ErrAlreadyExists is returned when an insert finds its address occupied.
	ErrAlreadyExists = &Error{Kind: KindAlreadyExists, Status: 409, Message: "entity already exists"}

	// ErrPreconditionFailed is returned when a conditional write finds a
	// different ETag than the one it was given.
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed, Status: 412, Message: "etag precondition failed"}
)

// StatusOf returns the status of the first classified error in err's
// chain, or 0 when the failure is not classified.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
