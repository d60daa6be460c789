package app

import (
	"errors"
	"fmt"

	"libraryapi/pkg/sequence"
)

// Kind groups error codes by how callers should react to them.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindIneligible
	KindInvalidState
	KindInvalidInput
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindIneligible:
		return "ineligible"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidInput:
		return "invalid_input"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is a circulation failure with a stable code. Two errors match under
// errors.Is when their codes are equal, so callers compare against the
// package-level values below.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// withf returns a copy of e carrying a formatted message.
func (e *Error) withf(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, cause: cause}
}

var (
	ErrPatronNotFound = &Error{Kind: KindNotFound, Code: "PATRON_NOT_FOUND", Message: "patron not found"}
	ErrMediaNotFound  = &Error{Kind: KindNotFound, Code: "MEDIA_NOT_FOUND", Message: "media not found"}
	ErrLoanNotFound   = &Error{Kind: KindNotFound, Code: "LOAN_NOT_FOUND", Message: "loan not found"}
	ErrFineNotFound   = &Error{Kind: KindNotFound, Code: "FINE_NOT_FOUND", Message: "fine not found"}

	ErrFineAlreadyExists = &Error{Kind: KindConflict, Code: "FINE_ALREADY_EXISTS", Message: "fine already exists"}
	ErrActiveLoanExists  = &Error{Kind: KindConflict, Code: "ACTIVE_LOAN_EXISTS", Message: "patron already has an active loan"}

	ErrPatronIneligible = &Error{Kind: KindIneligible, Code: "PATRON_INELIGIBLE", Message: "patron is not eligible to check out this item"}

	ErrMediaNotAvailable      = &Error{Kind: KindInvalidState, Code: "MEDIA_NOT_AVAILABLE", Message: "media is not in the required state"}
	ErrInvalidLoan            = &Error{Kind: KindInvalidState, Code: "INVALID_LOAN", Message: "no active loan holds this media for the patron"}
	ErrInvalidOperation       = &Error{Kind: KindInvalidState, Code: "INVALID_OPERATION", Message: "operation not allowed"}
	ErrPatronAlreadySuspended = &Error{Kind: KindInvalidState, Code: "PATRON_ALREADY_SUSPENDED", Message: "patron is already suspended"}

	ErrInvalidInput = &Error{Kind: KindInvalidInput, Code: "INVALID_INPUT", Message: "invalid input"}

	ErrSequenceGeneration = &Error{Kind: KindFatal, Code: "SEQUENCE_GENERATION_FAILED", Message: "failed to generate identifier"}
)

// KindOf returns the kind of err, or KindFatal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// sequenceErr maps sequencer failures onto the Fatal code.
func sequenceErr(err error) error {
	if errors.Is(err, sequence.ErrSequenceGeneration) {
		return ErrSequenceGeneration.wrap(err)
	}
	return err
}
