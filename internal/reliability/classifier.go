package reliability

import (
	"net/http"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableLiveErrorCode classifies error codes the live socket reports in
// its error messages. Anything else closes the channel for good.
func IsRetryableLiveErrorCode(code string) bool {
	switch code {
	case "rate_limited", "session_busy", "upstream_unavailable", "timeout":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration:
// min(base * 2^attempt, cap).
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		if base > cap {
			return cap
		}
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// LinearDelay grows by step for every consecutive failure: base + retries*step.
func LinearDelay(retries int, base, step time.Duration) time.Duration {
	if retries <= 0 {
		return base
	}
	return base + time.Duration(retries)*step
}
