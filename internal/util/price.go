// Package util provides common utility functions for price calculations.
package util

import "math"

// TickSize is the NSE option price tick. Limit prices sent to the exchange
// must be multiples of it.
const TickSize = 0.05

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.32 becomes 101.30.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}
