package session

import (
	"errors"
	"fmt"
)

// Class groups errors by how they propagate.
type Class int

const (
	// ClassValidation errors are rejected synchronously; state is unchanged
	// and no stop is triggered.
	ClassValidation Class = iota + 1
	// ClassResolution errors never reach an actor.
	ClassResolution
	// ClassLifecycle errors are stop reasons.
	ClassLifecycle
)

// Error is a coded session error. Two errors match under errors.Is when their
// codes are equal.
type Error struct {
	Code  string
	Msg   string
	Class Class
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrAnswerAlreadySet = &Error{Code: "answer_already_set", Class: ClassValidation}
	ErrAnswerNotSet     = &Error{Code: "answer_not_set", Class: ClassValidation}
	ErrInvalidAnswer    = &Error{Code: "invalid_answer", Class: ClassValidation}
	ErrInvalidOffer     = &Error{Code: "invalid_offer", Class: ClassValidation}
	ErrMissingOffer     = &Error{Code: "missing_offer", Class: ClassValidation}
	ErrUnknownOperation = &Error{Code: "unknown_operation", Class: ClassValidation}
	ErrUnknownType      = &Error{Code: "unknown_session_type", Class: ClassValidation}
	ErrInvalidPeer      = &Error{Code: "invalid_peer", Class: ClassValidation}
	ErrDuplicatedID     = &Error{Code: "duplicated_session_id", Class: ClassValidation}

	ErrSessionNotFound     = &Error{Code: "session_not_found", Class: ClassResolution}
	ErrPeerSessionNotFound = &Error{Code: "peer_session_not_found", Class: ClassResolution}
	ErrServiceNotFound     = &Error{Code: "service_not_found", Class: ClassResolution}
	ErrCallTimeout         = &Error{Code: "call_timeout", Class: ClassResolution}

	ErrNormalTermination = &Error{Code: "normal_termination", Class: ClassLifecycle}
	ErrSessionTimeout    = &Error{Code: "session_timeout", Class: ClassLifecycle}
	ErrPeerStopped       = &Error{Code: "peer_stopped", Class: ClassLifecycle}
	ErrInternal          = &Error{Code: "internal_error", Class: ClassLifecycle}
)

// Reason builds a lifecycle stop reason with a caller-chosen code.
func Reason(code, msg string) *Error {
	return &Error{Code: code, Msg: msg, Class: ClassLifecycle}
}

// Validation builds a validation error with a caller-chosen code.
func Validation(code, msg string) *Error {
	return &Error{Code: code, Msg: msg, Class: ClassValidation}
}

// IsValidation reports whether err is a validation error. Backend hooks use
// these to reject a request without stopping the session.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ClassValidation
}

// CodeOf returns the error code carried by err. Errors without a code map to
// internal_error; a nil error is a normal termination.
func CodeOf(err error) string {
	if err == nil {
		return ErrNormalTermination.Code
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal.Code
}

func withMsg(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Msg: fmt.Sprintf(format, args...), Class: base.Class}
}

// ErrorResolver normalizes a reason into a stable (code, text) pair before
// it is surfaced on the event bus.
type ErrorResolver func(reason error) (int, string)

var defaultErrors = map[string]struct {
	code int
	text string
}{
	"normal_termination":     {0, "Normal termination"},
	"internal_error":         {1000, "Internal error"},
	"session_timeout":        {2001, "Session timeout"},
	"missing_offer":          {2002, "Missing offer"},
	"invalid_offer":          {2003, "Invalid offer"},
	"answer_already_set":     {2004, "Answer already set"},
	"answer_not_set":         {2005, "Answer not set"},
	"invalid_answer":         {2006, "Invalid answer"},
	"peer_stopped":           {2007, "Peer stopped"},
	"invalid_peer":           {2008, "Invalid peer"},
	"session_not_found":      {2010, "Session not found"},
	"peer_session_not_found": {2011, "Peer session not found"},
	"service_not_found":      {2012, "Service not found"},
	"duplicated_session_id":  {2013, "Duplicated session id"},
	"unknown_operation":      {2020, "Unknown operation"},
	"unknown_session_type":   {2021, "Unknown session type"},
	"call_timeout":           {2030, "Call timeout"},
}

// DefaultResolveError maps known codes to fixed numbers. Unknown coded
// reasons keep their message; uncoded errors become internal errors.
func DefaultResolveError(reason error) (int, string) {
	code := CodeOf(reason)
	if known, ok := defaultErrors[code]; ok {
		return known.code, known.text
	}
	var e *Error
	if errors.As(reason, &e) {
		if e.Msg != "" {
			return 9999, e.Msg
		}
		return 9999, e.Code
	}
	return defaultErrors["internal_error"].code, reason.Error()
}
