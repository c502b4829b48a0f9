// Package retry decides whether and when a failed operation is tried
// again, and opens a per-domain circuit after repeated failures so a
// broken endpoint stops being hammered. It performs no I/O; the
// coordinator executes requests and reports outcomes back.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prefsync/prefsync/internal/backend"
)

// Category buckets a failure for retry policy and observability.
type Category string

const (
	CategoryNetwork     Category = "NETWORK_UNREACHABLE"
	CategoryTimeout     Category = "NETWORK_TIMEOUT"
	CategoryAuth        Category = "AUTH_EXPIRED"
	CategoryRateLimited Category = "RATE_LIMITED"
	CategoryServer      Category = "SERVER_ERROR"
	CategoryValidation  Category = "VALIDATION_ERROR"
	CategoryUnknown     Category = "UNKNOWN"
)

// Severity grades a failure.
type Severity string

const (
	SeverityTransient   Severity = "TRANSIENT"
	SeverityRecoverable Severity = "RECOVERABLE"
	SeverityTerminal    Severity = "TERMINAL"
)

// Recovery strategy names attached to a classification.
const (
	StrategyBackoff        = "backoff"
	StrategyRefreshSession = "refresh-session"
	StrategyNone           = "none"
)

// Classification is the retry engine's verdict on one error.
type Classification struct {
	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Retryable bool     `json:"retryable"`
	Strategy  string   `json:"strategyName"`
}

// Classify buckets an error. Validation failures are never retryable;
// network, timeout, server and rate-limit failures are retryable up to
// the attempt bound; auth failures get a session refresh before one
// retry.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityTransient, Retryable: false, Strategy: StrategyNone}
	}

	var be *backend.Error
	if errors.As(err, &be) {
		return classifyStatus(be.Status)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryTimeout, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Category: CategoryTimeout, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
		}
		return Classification{Category: CategoryNetwork, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
	}

	return Classification{Category: CategoryUnknown, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
}

func classifyStatus(status int) Classification {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Classification{Category: CategoryAuth, Severity: SeverityRecoverable, Retryable: true, Strategy: StrategyRefreshSession}
	case status == http.StatusTooManyRequests:
		return Classification{Category: CategoryRateLimited, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
	case status == http.StatusRequestTimeout:
		return Classification{Category: CategoryTimeout, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
	case status >= 500:
		return Classification{Category: CategoryServer, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
	case status >= 400:
		return Classification{Category: CategoryValidation, Severity: SeverityTerminal, Retryable: false, Strategy: StrategyNone}
	default:
		return Classification{Category: CategoryUnknown, Severity: SeverityTransient, Retryable: true, Strategy: StrategyBackoff}
	}
}
