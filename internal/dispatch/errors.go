package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/apperr"
)

// MaxAttempts is the total number of provider calls made for one submission
// and provider, including the first.
const MaxAttempts = 3

// Reason is the failure class that produced a retry.
type Reason string

const (
	ReasonRateLimit Reason = "rate_limit"
	ReasonTimeout   Reason = "timeout"
	ReasonTransient Reason = "transient"
)

var recoverableMarkers = []string{"rate limit", "timeout", "maintenance", "temporary", "network"}

// RetryPlan says when and how to retry.
type RetryPlan struct {
	Reason  Reason
	Delay   time.Duration
	Timeout time.Duration // Request timeout for the next attempt; zero keeps the default.
}

// ErrorHandler classifies dispatch failures and plans retries.
type ErrorHandler struct {
	MaxAttempts    int
	RateLimitDelay time.Duration
	TimeoutDelay   time.Duration
	DefaultDelay   time.Duration
	BaseTimeout    time.Duration
}

// NewErrorHandler returns the default policy: 60s after a rate limit (or the
// provider's Retry-After), 5s with a doubled timeout after a timeout, 30s otherwise.
func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		MaxAttempts:    MaxAttempts,
		RateLimitDelay: 60 * time.Second,
		TimeoutDelay:   5 * time.Second,
		DefaultDelay:   30 * time.Second,
		BaseTimeout:    apiclient.DefaultTimeout,
	}
}

// Classify reports whether err is worth retrying.
func (h *ErrorHandler) Classify(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.TransportError, apperr.ProviderUnavailable:
		return true
	case apperr.SchemaMissing:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range recoverableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// UserMessage returns a fixed, user-safe description of err.
func (h *ErrorHandler) UserMessage(err error) string {
	return apperr.UserMessage(err)
}

// Plan decides whether attempt (the number of calls already made) may be
// followed by another and how. timeout is the request timeout of the failed
// attempt. A timeout is retried once with the timeout doubled.
func (h *ErrorHandler) Plan(err error, attempt int, timeout time.Duration) (RetryPlan, bool) {
	if !h.Classify(err) {
		return RetryPlan{}, false
	}
	maxAttempts := h.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = MaxAttempts
	}
	if attempt >= maxAttempts {
		return RetryPlan{}, false
	}
	base := h.BaseTimeout
	if base <= 0 {
		base = apiclient.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = base
	}

	switch reasonOf(err) {
	case ReasonRateLimit:
		delay := h.RateLimitDelay
		if appErr, ok := apperr.As(err); ok && appErr.RetryAfter > 0 {
			delay = appErr.RetryAfter
		}
		return RetryPlan{Reason: ReasonRateLimit, Delay: delay, Timeout: timeout}, true
	case ReasonTimeout:
		if timeout > base {
			return RetryPlan{}, false
		}
		return RetryPlan{Reason: ReasonTimeout, Delay: h.TimeoutDelay, Timeout: timeout * 2}, true
	default:
		return RetryPlan{Reason: ReasonTransient, Delay: h.DefaultDelay, Timeout: timeout}, true
	}
}

func reasonOf(err error) Reason {
	appErr, _ := apperr.As(err)
	if appErr != nil {
		switch appErr.StatusCode {
		case http.StatusTooManyRequests:
			return ReasonRateLimit
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return ReasonTimeout
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return ReasonRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ReasonTimeout
	}
	return ReasonTransient
}
