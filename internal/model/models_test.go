package model

import (
	"testing"
	"time"
)

func TestOTPIsValidMatrix(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		used    bool
		expired bool
		burned  bool
		want    bool
	}{
		{"fresh", false, false, false, true},
		{"used", true, false, false, false},
		{"expired", false, true, false, false},
		{"burned", false, false, true, false},
		{"used+expired", true, true, false, false},
		{"used+burned", true, false, true, false},
		{"expired+burned", false, true, true, false},
		{"used+expired+burned", true, true, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			otp := &OTP{
				IsUsed:      c.used,
				MaxAttempts: 3,
				ExpiresAt:   now.Add(5 * time.Minute),
			}
			if c.expired {
				otp.ExpiresAt = now.Add(-time.Second)
			}
			if c.burned {
				otp.Attempts = otp.MaxAttempts
			}
			if got := otp.IsValid(now); got != c.want {
				t.Errorf("IsValid = %v, want %v", got, c.want)
			}
		})
	}
}

func TestOTPValidityBoundaries(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	otp := &OTP{MaxAttempts: 3, ExpiresAt: now}

	// Exactly at expiry the code still works; one instant later it doesn't.
	if otp.IsExpired(now) {
		t.Error("expired exactly at expires_at")
	}
	if !otp.IsValid(now) {
		t.Error("invalid exactly at expires_at")
	}
	if !otp.IsExpired(now.Add(time.Nanosecond)) {
		t.Error("not expired past expires_at")
	}

	// The last allowed attempt is max_attempts-1; reaching the ceiling burns it.
	otp.Attempts = otp.MaxAttempts - 1
	if !otp.IsValid(now) {
		t.Error("invalid one attempt under the ceiling")
	}
	otp.Attempts = otp.MaxAttempts
	if otp.IsValid(now) {
		t.Error("valid at the attempt ceiling")
	}
}
