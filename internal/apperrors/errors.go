package apperrors

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Kind identifies one entry of the router/orchestrator error taxonomy.
type Kind string

const (
	KindOperationDisabled    Kind = "operation_disabled"
	KindNotConfigured        Kind = "not_configured"
	KindBudgetExceeded       Kind = "budget_exceeded"
	KindApprovalRequired     Kind = "approval_required"
	KindToggleLocked         Kind = "toggle_locked"
	KindAuditSinkUnreachable Kind = "audit_sink_unreachable"
	KindCancelled            Kind = "cancelled"
	KindMaxStepsExceeded     Kind = "max_steps_exceeded"

	// Infrastructure kinds
	KindOutOfOrderCheckpoint Kind = "out_of_order_checkpoint"
	KindNotFound             Kind = "not_found"
	KindInvalidTransition    Kind = "invalid_transition"
	KindInvalidInput         Kind = "invalid_input"
	KindInternal             Kind = "internal"
)

// ErrorCategory classifies errors for caller retry decisions
type ErrorCategory int

const (
	// ErrorCategoryUnknown - unclassified error, default to not retryable
	ErrorCategoryUnknown ErrorCategory = iota

	// ErrorCategoryPolicy - the request was refused by budget, approval,
	// toggle or route configuration. Retrying unchanged will fail again.
	ErrorCategoryPolicy

	// ErrorCategoryTransient - temporary failures that may succeed on retry
	// Examples: audit sink unreachable, storage timeout
	ErrorCategoryTransient

	// ErrorCategoryPermanent - errors that will not succeed on retry
	ErrorCategoryPermanent
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryPolicy:
		return "policy"
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps a taxonomy kind with a message and classification
type Error struct {
	Kind      Kind
	Message   string
	Category  ErrorCategory
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so errors.Is(err, ErrBudgetExceeded) works for any
// message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrOperationDisabled    = &Error{Kind: KindOperationDisabled}
	ErrNotConfigured        = &Error{Kind: KindNotConfigured}
	ErrBudgetExceeded       = &Error{Kind: KindBudgetExceeded}
	ErrApprovalRequired     = &Error{Kind: KindApprovalRequired}
	ErrToggleLocked         = &Error{Kind: KindToggleLocked}
	ErrAuditSinkUnreachable = &Error{Kind: KindAuditSinkUnreachable}
	ErrCancelled            = &Error{Kind: KindCancelled}
	ErrMaxStepsExceeded     = &Error{Kind: KindMaxStepsExceeded}
	ErrOutOfOrderCheckpoint = &Error{Kind: KindOutOfOrderCheckpoint}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
)

// New builds an Error with the category implied by its kind.
func New(kind Kind, format string, args ...any) *Error {
	category, retryable := classify(kind)
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Category:  category,
		Retryable: retryable,
	}
}

// Wrap builds an Error carrying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Cause = cause
	return e
}

func classify(kind Kind) (ErrorCategory, bool) {
	switch kind {
	case KindOperationDisabled, KindNotConfigured, KindBudgetExceeded,
		KindApprovalRequired, KindToggleLocked:
		return ErrorCategoryPolicy, false
	case KindAuditSinkUnreachable:
		return ErrorCategoryTransient, true
	case KindCancelled, KindMaxStepsExceeded, KindOutOfOrderCheckpoint,
		KindNotFound, KindInvalidTransition, KindInvalidInput:
		return ErrorCategoryPermanent, false
	default:
		return ErrorCategoryUnknown, false
	}
}

// KindOf returns the taxonomy kind of err, or KindInternal when err is not
// an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a caller may retry the same request unchanged.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus maps a kind to the status code returned by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindOperationDisabled, KindToggleLocked:
		return http.StatusForbidden
	case KindNotConfigured, KindNotFound:
		return http.StatusNotFound
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindApprovalRequired:
		return http.StatusAccepted
	case KindAuditSinkUnreachable:
		return http.StatusServiceUnavailable
	case KindOutOfOrderCheckpoint, KindInvalidTransition:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindCancelled, KindMaxStepsExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// BackoffCalculator computes retry delays with exponential backoff and jitter
type BackoffCalculator struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoffCalculator creates a calculator with specified parameters
func NewBackoffCalculator(initialDelay, maxDelay time.Duration, multiplier float64, jitterPercent int) *BackoffCalculator {
	if initialDelay <= 0 {
		initialDelay = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if jitterPercent < 0 {
		jitterPercent = 20
	}

	return &BackoffCalculator{
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		multiplier:    multiplier,
		jitterPercent: jitterPercent,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
func (b *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	// Jitter to prevent thundering herd
	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = float64(b.initialDelay)
	}

	return time.Duration(delay)
}
