// Package coreerrors defines the tagged error-kind taxonomy shared across
// the messaging core, replacing exception-style control flow with a single
// error type callers can switch on.
package coreerrors

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification name.
type Kind string

const (
	KindCampaignNotFound          Kind = "CAMPAIGN_NOT_FOUND"
	KindTemplateNotFound          Kind = "TEMPLATE_NOT_FOUND"
	KindTemplateNotApproved       Kind = "TEMPLATE_NOT_APPROVED"
	KindTemplateOwnershipMismatch Kind = "TEMPLATE_OWNERSHIP_MISMATCH"
	KindVariableCountMismatch     Kind = "VARIABLE_COUNT_MISMATCH"
	KindWorkspaceNotConfigured    Kind = "WORKSPACE_NOT_CONFIGURED"
	KindPhoneNotConfigured        Kind = "PHONE_NOT_CONFIGURED"
	KindInvalidRecipient          Kind = "INVALID_RECIPIENT"
	KindMetaAPIError              Kind = "META_API_ERROR"
	KindCampaignAlreadyRunning    Kind = "CAMPAIGN_ALREADY_RUNNING"
	KindLockError                 Kind = "LOCK_ERROR"
	KindLockAlreadyHeld           Kind = "LOCK_ALREADY_HELD"
	KindPreflightFailed           Kind = "PREFLIGHT_FAILED"
	KindKillSwitchActive          Kind = "KILL_SWITCH_ACTIVE"
	KindWorkspaceUnsafe           Kind = "WORKSPACE_UNSAFE"
	KindInvalidStatus             Kind = "INVALID_STATUS"
	KindDailyLimitExceeded        Kind = "DAILY_LIMIT_EXCEEDED"
	KindMonthlyLimitExceeded      Kind = "MONTHLY_LIMIT_EXCEEDED"
	KindTierLimitExceeded         Kind = "TIER_LIMIT_EXCEEDED"
	KindQualityRed                Kind = "QUALITY_RED"
	KindNo24HWindow               Kind = "NO_24H_WINDOW"
)

// CoreError is the single error type carried across package boundaries. It
// wraps an optional underlying cause and an optional structured detail
// payload (e.g. a preflight check report).
type CoreError struct {
	kind   Kind
	msg    string
	cause  error
	Detail any
}

func (e *CoreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *CoreError) Unwrap() error { return e.cause }

// Kind returns the error's stable classification.
func (e *CoreError) Kind() Kind { return e.kind }

// New builds a CoreError with a formatted message and no cause.
func New(kind Kind, format string, args ...any) *CoreError {
	return &CoreError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a CoreError around an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *CoreError {
	return &CoreError{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches a structured detail payload and returns the receiver,
// for call sites building e.g. PREFLIGHT_FAILED's per-check report.
func (e *CoreError) WithDetail(detail any) *CoreError {
	e.Detail = detail
	return e
}

// Is reports whether err is a *CoreError of the given kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.kind == kind
	}
	return false
}

// As extracts a *CoreError from err, if any.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	ok := errors.As(err, &ce)
	return ce, ok
}
