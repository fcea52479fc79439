package cable

import (
	"math"
	"testing"
	"time"
)

func TestBackoffNominal(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{math.MaxInt32, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Nominal(tt.attempt); got != tt.want {
			t.Errorf("Nominal(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
	tests := []struct {
		name    string
		r       float64
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{"low", 0, 1, 799 * time.Millisecond, 801 * time.Millisecond},
		{"mid", 0.5, 3, 3999 * time.Millisecond, 4001 * time.Millisecond},
		{"high", 0.999999, 6, 35 * time.Second, 36 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Delay(tt.attempt, func() float64 { return tt.r })
			if got < tt.min || got > tt.max {
				t.Errorf("Delay = %v, want within [%v, %v]", got, tt.min, tt.max)
			}
		})
	}

	if got := (Backoff{Base: time.Second, Max: time.Minute}).Delay(2, nil); got != 2*time.Second {
		t.Errorf("Delay without jitter = %v", got)
	}
}
