package services

import (
	"math"
	"time"
)

// ComputeFee charges every started hour in full and rounds the amount up
// to the next whole currency unit. Non-positive durations cost nothing.
func ComputeFee(start, end time.Time, hourlyRate float64) int64 {
	elapsed := end.Sub(start)
	if elapsed <= 0 || hourlyRate <= 0 {
		return 0
	}
	hours := int64(elapsed / time.Hour)
	if elapsed%time.Hour != 0 {
		hours++
	}
	// Rounding to 6 places first keeps float noise such as 1.1*10 from
	// adding a unit.
	return int64(math.Ceil(round(float64(hours)*hourlyRate, 6)))
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
