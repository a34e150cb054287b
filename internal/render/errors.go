package render

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// Reason classifies a render failure.
type Reason string

const (
	ReasonConfig      Reason = "config"
	ReasonBoundary    Reason = "boundary"
	ReasonDecode      Reason = "decode"
	ReasonCropBounds  Reason = "crop-bounds"
	ReasonEncode      Reason = "encode"
	ReasonIO          Reason = "io"
	ReasonTimeout     Reason = "timeout"
	ReasonInterrupted Reason = "interrupted"
)

// Error is returned by every render and split operation that fails.
type Error struct {
	Reason Reason
	Path   string
	Err    error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Reason, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on another attempt.
// Only io, encode and timeout failures are retried.
func (e *Error) Retryable() bool {
	switch e.Reason {
	case ReasonIO, ReasonEncode, ReasonTimeout:
		return true
	default:
		return false
	}
}

// Kind maps the reason onto the ledger error kind.
func (e *Error) Kind() types.ErrorKind {
	return types.ErrorKind(e.Reason)
}

// Classify returns the ledger kind for any error and whether it is retryable.
// Errors that are not *Error are treated as io failures.
func Classify(err error) (types.ErrorKind, bool) {
	if err == nil {
		return types.KindNone, false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind(), re.Retryable()
	}
	return types.KindIO, true
}

// New builds an *Error.
func New(reason Reason, path string, err error) *Error {
	return &Error{Reason: reason, Path: path, Err: err}
}
