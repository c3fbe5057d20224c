// Package castplane holds the domain types and collaborator interfaces
// shared by every control-plane component: renderers, videos, assignments,
// streaming sessions, transport snapshots, and the error taxonomy they all
// return through.
package castplane

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the class of failure a control-plane call returns,
// independent of the Go error type used to carry it. Callers should prefer
// errors.As against the concrete *Error type over string matching.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindRendererRefused
	KindBadDescription
	KindBindExhausted
	KindNotPublished
	KindFileMissing
	KindPreempted
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindRendererRefused:
		return "RendererRefused"
	case KindBadDescription:
		return "BadDescription"
	case KindBindExhausted:
		return "BindExhausted"
	case KindNotPublished:
		return "NotPublished"
	case KindFileMissing:
		return "FileMissing"
	case KindPreempted:
		return "Preempted"
	case KindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type for every ErrorKind. RendererRefused
// carries the SOAP fault code and description; Preempted carries the
// priority of the assignment that won.
type Error struct {
	Kind        ErrorKind
	Code        int    // RendererRefused: UPnP errorCode
	Description string // RendererRefused: errorDescription
	Priority    int    // Preempted: current (winning) priority
	Err         error  // wrapped cause, if any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRendererRefused:
		return fmt.Sprintf("renderer refused: %d %s", e.Code, e.Description)
	case KindPreempted:
		return fmt.Sprintf("preempted by assignment with priority %d", e.Priority)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransportError(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

func NewRendererRefused(code int, description string) *Error {
	return &Error{Kind: KindRendererRefused, Code: code, Description: description}
}

func NewBadDescription(err error) *Error {
	return &Error{Kind: KindBadDescription, Err: err}
}

func NewBindExhausted() *Error {
	return &Error{Kind: KindBindExhausted}
}

func NewNotPublished() *Error {
	return &Error{Kind: KindNotPublished}
}

func NewFileMissing(err error) *Error {
	return &Error{Kind: KindFileMissing, Err: err}
}

func NewPreempted(currentPriority int) *Error {
	return &Error{Kind: KindPreempted, Priority: currentPriority}
}

func NewUnsupported(action string) *Error {
	return &Error{Kind: KindUnsupported, Err: errors.New(action)}
}

// IsWrongState reports whether a RendererRefused error carries one of the
// UPnP AVTransport "wrong state" action-specific codes (701/714/718). The
// supervisor and assignment engine do not consult it: the engine retries a
// wrong-state refusal like any other failure, and neither issues a Stop
// before retrying because of one.
func IsWrongState(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindRendererRefused {
		return false
	}
	switch e.Code {
	case 701, 714, 718:
		return true
	}
	return false
}

// IsPreempted reports whether err is a Preempted error, i.e. an assign()
// call lost to a higher-priority assignment already active on the renderer.
func IsPreempted(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPreempted
}

// Is5xxClass reports whether a RendererRefused error is in the UPnP
// "action failed"/server-error band that the supervisor and assignment
// engine retry under backoff, matching HTTP's 5xx convention for transient
// server failures.
func Is5xxClass(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindRendererRefused {
		return false
	}
	return e.Code >= 500 && e.Code < 600
}
