package joberr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a production failure for job state and retry decisions.
type Kind string

const (
	KindLocked               Kind = "LOCKED"
	KindInputInvalid         Kind = "INPUT_INVALID"
	KindVisionFailed         Kind = "VISION_FAILED"
	KindMotionFailed         Kind = "MOTION_FAILED"
	KindMotionMissing        Kind = "MOTION_MISSING"
	KindPersistedURLMismatch Kind = "PERSISTED_URL_MISMATCH"
	KindMapFailed            Kind = "MAP_FAILED"
	KindMapRequired          Kind = "MAP_REQUIRED"
	KindNoValidClips         Kind = "NO_VALID_CLIPS"
	KindMuxFailed            Kind = "MUX_FAILED"
	KindUploadFailed         Kind = "UPLOAD_FAILED"
	KindNoTemplateSucceeded  Kind = "NO_TEMPLATE_SUCCEEDED"
	KindTimeout              Kind = "TIMEOUT"
	KindCancelled            Kind = "CANCELLED"
	KindInternal             Kind = "INTERNAL"
)

// Error carries the failure kind and the stage that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from an error chain. Context cancellation
// and deadline expiry map to CANCELLED and TIMEOUT; anything unclassified is
// INTERNAL.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}
