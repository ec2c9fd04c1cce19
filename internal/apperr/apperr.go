// Package apperr defines the error types surfaced by the compression pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed batch request. No job is created for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnsupportedTypeError is recorded for a file whose extension has no compression strategy.
type UnsupportedTypeError struct {
	Ext string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Ext == "" {
		return "unsupported file type: no extension"
	}
	return "unsupported file type: " + e.Ext
}

// CodecError wraps an image decode or encode failure.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// TranscodeError is returned when ffmpeg cannot be started or exits non-zero.
// Diagnostics holds the tail of its stderr.
type TranscodeError struct {
	ExitCode    int
	Diagnostics string
	Err         error
}

func (e *TranscodeError) Error() string {
	msg := fmt.Sprintf("transcode failed (exit %d)", e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown job or archive id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ArchiveWriteError reports a failure while writing a job archive.
type ArchiveWriteError struct {
	Path string
	Err  error
}

func (e *ArchiveWriteError) Error() string {
	return fmt.Sprintf("write archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveWriteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
