package download

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureKind classifies a transfer failure by how the engine should react
// to it.
type FailureKind int

const (
	// KindFatal failures are not retried.
	KindFatal FailureKind = iota
	// KindExpiredReference means the media reference went stale; the
	// message must be re-resolved before the next attempt. No delay.
	KindExpiredReference
	// KindTimeout is a slow-server condition; retried after a short pause.
	KindTimeout
	// KindMigrate means the file lives on another datacenter; retried
	// after a longer pause.
	KindMigrate
	// KindConnection covers dropped or truncated connections; retried
	// after a longer pause.
	KindConnection
	// KindInvalid means the transfer completed but the file failed
	// validation. Terminal for this run; the file stays on disk for
	// inspection.
	KindInvalid
)

func (k FailureKind) String() string {
	switch k {
	case KindExpiredReference:
		return "expired_reference"
	case KindTimeout:
		return "timeout"
	case KindMigrate:
		return "migrate"
	case KindConnection:
		return "connection"
	case KindInvalid:
		return "invalid"
	default:
		return "fatal"
	}
}

// Retryable reports whether another attempt can succeed.
func (k FailureKind) Retryable() bool { return k != KindFatal && k != KindInvalid }

// Delay returns how long to wait before the next attempt.
func (k FailureKind) Delay() time.Duration {
	switch k {
	case KindExpiredReference:
		return 0
	case KindTimeout:
		return 5 * time.Second
	case KindMigrate, KindConnection:
		return 10 * time.Second
	default:
		return 0
	}
}

// TransferError wraps an underlying failure with its classification. The
// service adapter produces these at the boundary; anything it cannot map
// gets classified here from the error text.
type TransferError struct {
	Kind FailureKind
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%s): %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// NewTransferError wraps err with an explicit classification.
func NewTransferError(kind FailureKind, err error) *TransferError {
	return &TransferError{Kind: kind, Err: err}
}

// Classify determines the failure kind of an arbitrary transfer error.
// Pre-classified errors keep their kind; everything else is matched by
// message text, defaulting to fatal.
func Classify(err error) FailureKind {
	if err == nil {
		return KindFatal
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "file_reference"), strings.Contains(msg, "file reference"):
		return KindExpiredReference
	case strings.Contains(msg, "file_migrate"), strings.Contains(msg, "file migrate"):
		return KindMigrate
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bytes read"):
		return KindConnection
	default:
		return KindFatal
	}
}
