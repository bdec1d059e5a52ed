package appointment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the machine-readable class of a scheduling failure.
// It implements error so callers can match with errors.Is.
type ErrorKind string

const (
	KindValidation  ErrorKind = "VALIDATION"
	KindConflict    ErrorKind = "SCHEDULING_CONFLICT"
	KindOutOfPolicy ErrorKind = "OUT_OF_POLICY"
	KindPermission  ErrorKind = "PERMISSION"
	KindState       ErrorKind = "STATE"
	KindNotFound    ErrorKind = "NOT_FOUND"
)

func (k ErrorKind) Error() string { return string(k) }

// Violation codes.
const (
	CodeInvalidInput         = "invalid_input"
	CodeStartInPast          = "start_in_past"
	CodeTooFarAhead          = "too_far_ahead"
	CodeOutsideBusinessHours = "outside_business_hours"
	CodeClosedWeekday        = "closed_weekday"
	CodeOutsideTemplate      = "outside_availability"
	CodeProviderConflict     = "provider_conflict"
	CodeClientConflict       = "client_conflict"
	CodeProviderBusy         = "provider_busy"
	CodeOnLeave              = "provider_on_leave"
	CodeClientDailyCap       = "client_daily_cap"
	CodeClientWeeklyCap      = "client_weekly_cap"
	CodeProviderDailyCap     = "provider_daily_cap"
	CodeCancelNotice         = "cancel_notice"
	CodeModifyNotice         = "modify_notice"
	CodeCancellationLimit    = "cancellation_limit"
	CodeInvalidRange         = "invalid_range"
	CodeLeaveOverlap         = "leave_overlap"
	CodeNotPermitted         = "not_permitted"
	CodeInvalidTransition    = "invalid_transition"
	CodeNotFound             = "not_found"
)

type Violation struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Error is returned by every exported operation of the package.
type Error struct {
	Kind       ErrorKind
	Op         string
	Violations []Violation
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	for i, v := range e.Violations {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(v.Message)
	}
	if len(e.Violations) == 0 && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// Reasons lists the human-readable messages of every violation.
func (e *Error) Reasons() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Message)
	}
	return out
}

// HasCode reports whether any violation carries code.
func (e *Error) HasCode(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// KindOf extracts the error kind, or "" when err did not originate here.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(op string, kind ErrorKind, code, message string) *Error {
	return &Error{
		Kind:       kind,
		Op:         op,
		Violations: []Violation{{Kind: kind, Code: code, Message: message}},
	}
}

func violationError(op string, vs []Violation) *Error {
	return &Error{Kind: vs[0].Kind, Op: op, Violations: vs}
}

func notFound(op string, err error) *Error {
	return &Error{
		Kind:       KindNotFound,
		Op:         op,
		Violations: []Violation{{Kind: KindNotFound, Code: CodeNotFound, Message: err.Error()}},
		Err:        err,
	}
}

// withOp stamps op on scheduling errors and wraps anything else.
func withOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			e.Op = op
		}
		return e
	}
	return fmt.Errorf("%s: %w", op, err)
}
