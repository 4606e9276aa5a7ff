package checkout

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusExpired, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSessionClaimable(t *testing.T) {
	now := time.Now()

	s := &Session{Status: StatusPending}
	if !s.Claimable(now) {
		t.Error("unclaimed pending session should be claimable")
	}

	s.ClaimToken = "a"
	s.ClaimExpiresAt = now.Add(time.Minute)
	if s.Claimable(now) {
		t.Error("live claim must block a second claim")
	}
	if !s.Claimable(now.Add(2 * time.Minute)) {
		t.Error("lapsed claim should be reclaimable")
	}

	s.Status = StatusCompleted
	if s.Claimable(now.Add(2 * time.Minute)) {
		t.Error("completed session must never be claimable")
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{Status: StatusPending, ExpiresAt: now.Add(-time.Second)}
	if !s.Expired(now) {
		t.Error("expected pending session past expiry to be expired")
	}
	s.Status = StatusCompleted
	if s.Expired(now) {
		t.Error("completed session is never expired")
	}
}
