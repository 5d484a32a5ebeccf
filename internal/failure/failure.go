// Package failure defines the tagged error taxonomy shared by every pipeline step.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindSignature          Kind = "signature"
	KindDecrypt            Kind = "decrypt"
	KindAppIdentity        Kind = "app_identity"
	KindInvalidEvent       Kind = "invalid_event"
	KindNotFound           Kind = "not_found"
	KindAmbiguousName      Kind = "ambiguous_name"
	KindRateLimited        Kind = "rate_limited"
	KindTransient          Kind = "transient"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindDownload           Kind = "download"
	KindUpload             Kind = "upload"
	KindPreviewUnavailable Kind = "preview_unavailable"
	KindProvisionFailed    Kind = "provision_failed"
	KindRejected           Kind = "rejected"
	KindRegistration       Kind = "registration"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindInternal           Kind = "internal"
)

func (k Kind) String() string { return string(k) }

// Authentication reports whether the kind indicates forged or malformed input.
func (k Kind) Authentication() bool {
	switch k {
	case KindSignature, KindDecrypt, KindAppIdentity:
		return true
	default:
		return false
	}
}

// Error is a failure tagged with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a tagged error with a formatted message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost tagged error in the chain.
// Untagged context deadlines map to KindDeadlineExceeded, anything else to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a retry policy may attempt the failed call again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient, KindPreviewUnavailable:
		return true
	default:
		return false
	}
}
