package services

import (
	"testing"
	"time"
)

func TestComputeFee(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		elapsed time.Duration
		rate    float64
		want    int64
	}{
		{"exactly one hour", time.Hour, 10, 10},
		{"one hour one second", time.Hour + time.Second, 10, 20},
		{"one nanosecond", time.Nanosecond, 10, 10},
		{"zero", 0, 10, 0},
		{"negative", -time.Minute, 10, 0},
		{"fractional rate rounds up", 3 * time.Hour, 2.5, 8},
		{"float noise is not charged", 10 * time.Hour, 1.1, 11},
		{"free spot", 5 * time.Hour, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeFee(start, start.Add(tt.elapsed), tt.rate); got != tt.want {
				t.Fatalf("ComputeFee(%s, %v) = %d, want %d", tt.elapsed, tt.rate, got, tt.want)
			}
		})
	}
}

func TestComputeFeeIsMonotonic(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	var prev int64
	for m := 0; m <= 6*60; m += 7 {
		got := ComputeFee(start, start.Add(time.Duration(m)*time.Minute), 3.75)
		if got < prev {
			t.Fatalf("fee dropped from %d to %d at %d minutes", prev, got, m)
		}
		prev = got
	}
}
