// Package errors defines the domain error taxonomy shared by the engines,
// the scheduler jobs and the RPC surface.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"connectrpc.com/connect"
)

// Kind classifies an error for callers that need to branch on it.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindValidation        Kind = "VALIDATION"
	KindInvalidTransition Kind = "INVALID_STATE_TRANSITION"
	KindConflict          Kind = "CONFLICT"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeCampaignNotFound      Code = "CAMPAIGN_NOT_FOUND"
	CodeBracketNotFound       Code = "BRACKET_NOT_FOUND"
	CodePledgeNotFound        Code = "PLEDGE_NOT_FOUND"
	CodePaymentIntentNotFound Code = "PAYMENT_INTENT_NOT_FOUND"
	CodeFulfillmentNotFound   Code = "FULFILLMENT_NOT_FOUND"

	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeNoBrackets            Code = "NO_BRACKETS"
	CodeInvalidBrackets       Code = "INVALID_BRACKETS"
	CodeInvalidDates          Code = "INVALID_DATES"
	CodeMinimumNotMet         Code = "MINIMUM_NOT_MET"
	CodeCompletionBlocked     Code = "COMPLETION_BLOCKED"
	CodeDuplicatePledge       Code = "DUPLICATE_PLEDGE"
	CodeRetryLimitReached     Code = "RETRY_LIMIT_REACHED"
	CodeCampaignNotOpen       Code = "CAMPAIGN_NOT_OPEN"
	CodeInvalidTransition     Code = "INVALID_STATE_TRANSITION"
	CodePaymentAttemptActive  Code = "PAYMENT_ATTEMPT_IN_FLIGHT"
	CodePaymentOutcomeUnknown Code = "PAYMENT_OUTCOME_UNKNOWN"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Kind     Kind              // Taxonomy bucket
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable message
	Metadata map[string]string // Additional context (ids, states)
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Metadata) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Metadata[k])
	}
	return e.Message + " (" + strings.Join(parts, ", ") + ")"
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// ConnectCode maps the error kind to a Connect status code.
func (e *Error) ConnectCode() connect.Code {
	switch e.Kind {
	case KindNotFound:
		return connect.CodeNotFound
	case KindValidation:
		if e.Code == CodeInvalidInput || e.Code == CodeInvalidBrackets || e.Code == CodeInvalidDates {
			return connect.CodeInvalidArgument
		}
		return connect.CodeFailedPrecondition
	case KindInvalidTransition:
		return connect.CodeFailedPrecondition
	case KindConflict:
		return connect.CodeAborted
	default:
		return connect.CodeInternal
	}
}

// NotFound reports a missing campaign, bracket, pledge, intent or fulfillment.
func NotFound(code Code, entity, id string) *Error {
	return &Error{
		Kind:     KindNotFound,
		Code:     code,
		Message:  entity + " not found",
		Metadata: map[string]string{"id": id},
	}
}

// Validation reports a violated business rule.
func Validation(code Code, format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// InvalidTransition reports a transition attempted from the wrong source state.
func InvalidTransition(entity, current, target string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("%s cannot transition from %s to %s", entity, current, target),
		Metadata: map[string]string{
			"current": current,
			"target":  target,
		},
	}
}

// Conflict reports a write that lost a race with a concurrent actor.
func Conflict(code Code, format string, args ...any) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithMetadata returns e with an extra metadata entry.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[key] = value
	return e
}

// KindOf returns the kind of the first domain error in err's chain.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

func IsNotFound(err error) bool          { return hasKind(err, KindNotFound) }
func IsValidation(err error) bool        { return hasKind(err, KindValidation) }
func IsInvalidTransition(err error) bool { return hasKind(err, KindInvalidTransition) }
func IsConflict(err error) bool          { return hasKind(err, KindConflict) }

func hasKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ToConnect converts err into a Connect error, keeping domain errors'
// status codes and treating everything else as internal.
func ToConnect(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return connect.NewError(de.ConnectCode(), err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
