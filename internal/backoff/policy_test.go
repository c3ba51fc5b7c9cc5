package backoff

import (
	"context"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: 10 * time.Second, Max: 5 * time.Minute, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{10, 5 * time.Minute}, // clamped
	}

	for _, tt := range tests {
		got := p.delayWithRand(tt.attempt, 0)
		if got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicyDelayJitter(t *testing.T) {
	p := Policy{Initial: 10 * time.Second, Max: time.Hour, Factor: 2, Jitter: 0.1}

	got := p.delayWithRand(1, 1.0)
	if got != 11*time.Second {
		t.Errorf("full-jitter delay = %v, want 11s", got)
	}
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	if p.Exhausted(5) {
		t.Error("attempt 5 should not be exhausted with cap 5")
	}
	if !p.Exhausted(6) {
		t.Error("attempt 6 should be exhausted with cap 5")
	}

	unbounded := Policy{}
	if unbounded.Exhausted(1000) {
		t.Error("zero MaxAttempts must never exhaust")
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Minute); err == nil {
		t.Error("expected context error from cancelled sleep")
	}
}

func TestSleepZero(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("zero sleep returned error: %v", err)
	}
}
