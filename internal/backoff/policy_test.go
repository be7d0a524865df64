package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRandDeterministic(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		random  float64
		want    time.Duration
	}{
		{
			name:    "first attempt no jitter",
			policy:  Default(),
			attempt: 1,
			random:  0,
			want:    100 * time.Millisecond,
		},
		{
			name:    "third attempt doubles twice",
			policy:  Default(),
			attempt: 3,
			random:  0,
			want:    400 * time.Millisecond,
		},
		{
			name:    "full jitter adds ten percent",
			policy:  Default(),
			attempt: 1,
			random:  1,
			want:    110 * time.Millisecond,
		},
		{
			name:    "clamped to max",
			policy:  Default(),
			attempt: 20,
			random:  0,
			want:    30 * time.Second,
		},
		{
			name:    "attempt zero treated as first",
			policy:  Default(),
			attempt: 0,
			random:  0,
			want:    100 * time.Millisecond,
		},
		{
			name:    "step policy second attempt",
			policy:  Step(),
			attempt: 2,
			random:  0,
			want:    500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.random)
			if got != tt.want {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeStaysWithinJitterBounds(t *testing.T) {
	policy := Planner()
	for i := 0; i < 100; i++ {
		got := Compute(policy, 2)
		base := time.Duration(policy.InitialMs*policy.Factor) * time.Millisecond
		maxWithJitter := time.Duration(float64(base) * (1 + policy.Jitter))
		if got < base || got > maxWithJitter {
			t.Fatalf("Compute() = %v, want within [%v, %v]", got, base, maxWithJitter)
		}
	}
}

func TestPresetPolicies(t *testing.T) {
	if p := Default(); p.InitialMs != 100 || p.MaxMs != 30000 || p.Factor != 2 {
		t.Errorf("Default() = %+v", p)
	}
	if p := Step(); p.InitialMs != 250 || p.MaxMs != 10000 {
		t.Errorf("Step() = %+v", p)
	}
	if p := Planner(); p.InitialMs != 500 || p.Factor != 2.5 {
		t.Errorf("Planner() = %+v", p)
	}
}
