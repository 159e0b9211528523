package reliability

import "time"

// IsCancelNotActive reports whether a backend error code means the targeted
// response already finished. Treated as a soft success by the barge-in path.
func IsCancelNotActive(code string) bool {
	switch code {
	case "response_cancel_not_active", "cancel_not_active", "response_not_active":
		return true
	default:
		return false
	}
}

// IsRetryableBackendCode classifies transient realtime backend errors.
func IsRetryableBackendCode(code string) bool {
	switch code {
	case "rate_limited", "server_error", "resource_exhausted", "queue_overflow":
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
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
