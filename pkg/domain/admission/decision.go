package admission

import (
	"net/http"
	"time"
)

// Decision is the outcome of evaluating one request.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionThrottle
	DecisionBlock
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionThrottle:
		return "throttle"
	case DecisionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the decision to the status the gateway responds with.
// Allow maps to 200; the request proceeds to the upstream unchanged.
func (d Decision) HTTPStatus() int {
	switch d {
	case DecisionThrottle:
		return http.StatusTooManyRequests
	case DecisionBlock:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

// ReasonCode is a low-cardinality label for why a decision was reached.
// It is used for metrics and audit details and never shown to clients.
type ReasonCode string

const (
	ReasonNone          ReasonCode = ""
	ReasonExempt        ReasonCode = "exempt"
	ReasonNotAllowed    ReasonCode = "not_allowlisted"
	ReasonBlacklisted   ReasonCode = "blacklisted"
	ReasonCritical      ReasonCode = "critical_indicator"
	ReasonMultipleHigh  ReasonCode = "multiple_high"
	ReasonRateLimited   ReasonCode = "rate_limited"
	ReasonMediumVolume  ReasonCode = "multiple_medium"
	ReasonPipelineFault ReasonCode = "pipeline_fault"
)

// Result is returned by the pipeline for every request.
type Result struct {
	Decision   Decision
	HTTPStatus int
	RetryAfter time.Duration
	// Reason is human readable and safe to return to the client.
	Reason string
	Code   ReasonCode
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool {
	return r.Decision == DecisionAllow
}

// Allow builds an Allow result.
func Allow(code ReasonCode) Result {
	return Result{Decision: DecisionAllow, HTTPStatus: http.StatusOK, Code: code}
}

// Throttle builds a Throttle result.
func Throttle(code ReasonCode, reason string, retryAfter time.Duration) Result {
	return Result{
		Decision:   DecisionThrottle,
		HTTPStatus: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Reason:     reason,
		Code:       code,
	}
}

// Block builds a Block result.
func Block(code ReasonCode, reason string) Result {
	return Result{
		Decision:   DecisionBlock,
		HTTPStatus: http.StatusForbidden,
		Reason:     reason,
		Code:       code,
	}
}
