// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package cvd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Kind tags every error that leaves a pipeline stage.
type Kind string

const (
	InvalidOptions       Kind = "INVALID_OPTIONS"
	UnknownArch          Kind = "UNKNOWN_ARCH"
	ProbeFailed          Kind = "PROBE_FAILED"
	SnapshotIncompatible Kind = "SNAPSHOT_INCOMPATIBLE"
	FilesInUse           Kind = "FILES_IN_USE"
	IOFailed             Kind = "IO_FAILED"
	ConfigLoadFailed     Kind = "CONFIG_LOAD_FAILED"
	DependencyViolation  Kind = "DEPENDENCY_VIOLATION"
	FatalInternal        Kind = "FATAL_INTERNAL"
)

// Probe failure reasons, carried in Error.Reason.
const (
	ReasonBootImageNotReadable     = "BOOT_IMAGE_NOT_READABLE"
	ReasonIkconfigExtractionFailed = "IKCONFIG_EXTRACTION_FAILED"
	ReasonVersionReadFailed        = "VERSION_READ_FAILED"
)

func (k Kind) class() error {
	switch k {
	case InvalidOptions:
		return errdefs.ErrInvalidArgument
	case UnknownArch:
		return errdefs.ErrNotImplemented
	case ProbeFailed:
		return errdefs.ErrAborted
	case SnapshotIncompatible, DependencyViolation:
		return errdefs.ErrFailedPrecondition
	case FilesInUse:
		return errdefs.ErrConflict
	case IOFailed:
		return errdefs.ErrUnavailable
	case ConfigLoadFailed:
		return errdefs.ErrDataLoss
	case FatalInternal:
		return errdefs.ErrInternal
	}
	return errdefs.ErrUnknown
}

type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.head())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// head leaves out the kind when the wrapped error already leads with it,
// so re-wrapping with KindOf(err) adds only context.
func (e *Error) head() string {
	if e.Msg != "" && e.Reason == "" {
		if inner, ok := e.Err.(*Error); ok && inner.Kind == e.Kind {
			return e.Msg
		}
	}
	head := string(e.Kind)
	if e.Reason != "" {
		head += "(" + e.Reason + ")"
	}
	if e.Msg != "" {
		head += ": " + e.Msg
	}
	return head
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errdefs.IsXxx classify taxonomy errors.
func (e *Error) Is(target error) bool {
	return target == e.Kind.class()
}

func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WrapReason is Wrap with a sub-reason, used by the guest prober.
func WrapReason(kind Kind, reason string, err error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the outermost kind in err's chain, or "" for untagged errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// ReasonOf returns the first non-empty Reason in err's chain.
func ReasonOf(err error) string {
	for err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			return ""
		}
		if ce.Reason != "" {
			return ce.Reason
		}
		err = ce.Err
	}
	return ""
}

// FormatChain renders the error tree one level per line for the final abort message.
func FormatChain(err error) string {
	var lines []string
	for depth := 0; err != nil; depth++ {
		indent := strings.Repeat("  ", depth)
		ce, ok := err.(*Error)
		if !ok {
			lines = append(lines, indent+err.Error())
			break
		}
		lines = append(lines, indent+ce.head())
		err = ce.Err
	}
	return strings.Join(lines, "\n")
}
