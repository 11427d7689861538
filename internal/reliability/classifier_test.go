package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestExponentialBackoffNeverExceedsTenSeconds(t *testing.T) {
	for attempt := 0; attempt < 64; attempt++ {
		got := ExponentialBackoff(attempt, time.Second, 10*time.Second)
		if got > 10*time.Second {
			t.Fatalf("attempt %d = %v, exceeds 10s", attempt, got)
		}
		if attempt >= 4 && got != 10*time.Second {
			t.Fatalf("attempt %d = %v, want capped 10s", attempt, got)
		}
	}
}

func TestLinearDelay(t *testing.T) {
	if got := LinearDelay(0, 2*time.Second, time.Second); got != 2*time.Second {
		t.Fatalf("LinearDelay(0) = %v, want 2s", got)
	}
	if got := LinearDelay(3, 2*time.Second, time.Second); got != 5*time.Second {
		t.Fatalf("LinearDelay(3) = %v, want 5s", got)
	}
}
