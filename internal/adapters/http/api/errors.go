package api

import (
	"errors"
	"fmt"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrNotFound   = errors.New("not found")
)

// KindError tags an error with the operation that produced it and a
// sentinel kind for errors.Is.
type KindError struct {
	Op   string
	Kind error
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is matches the kind.
func (e *KindError) Is(target error) bool { return target == e.Kind }

// Unwrap returns the cause.
func (e *KindError) Unwrap() error { return e.Err }

// NewKind returns an error of kind raised by op.
func NewKind(op string, kind error) error {
	return &KindError{Op: op, Kind: kind}
}

// WrapKind tags err with op and kind.
func WrapKind(op string, kind, err error) error {
	return &KindError{Op: op, Kind: kind, Err: err}
}
