package order

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	volumeEpsilon = 1e-9
	priceEpsilon  = 1e-9
)

// AverageFillPrice folds an execution of delta volume at price into the
// running average of oldFilled volume at oldAvg:
//
//	newAvg = (oldFilled*oldAvg + delta*price) / (oldFilled + delta)
//
// The arithmetic is done in decimal so the result does not depend on how
// a given total was split into fills.
func AverageFillPrice(oldFilled, oldAvg, delta, price float64) float64 {
	if delta <= 0 {
		return oldAvg
	}
	if oldFilled <= 0 {
		return price
	}
	f := decimal.NewFromFloat(oldFilled)
	d := decimal.NewFromFloat(delta)
	notional := f.Mul(decimal.NewFromFloat(oldAvg)).Add(d.Mul(decimal.NewFromFloat(price)))
	total := f.Add(d)
	if total.IsZero() {
		return 0
	}
	return notional.DivRound(total, 12).InexactFloat64()
}

// ClampFilled bounds a broker-reported filled volume to [0, requested].
func ClampFilled(filled, requested float64) float64 {
	if filled < 0 {
		return 0
	}
	if filled > requested {
		return requested
	}
	return filled
}

// SameVolume compares volumes with a small tolerance.
func SameVolume(a, b float64) bool {
	return math.Abs(a-b) <= volumeEpsilon
}

// SamePrice compares prices relative to their magnitude.
func SamePrice(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= priceEpsilon*scale
}

// FillPriceFromAverage recovers the price of the volume executed between
// two cumulative observations, given the average over oldFilled and the
// average over newFilled.
func FillPriceFromAverage(oldFilled, oldAvg, newFilled, newAvg float64) float64 {
	if newFilled <= oldFilled || oldFilled <= 0 {
		return newAvg
	}
	f := decimal.NewFromFloat(oldFilled)
	n := decimal.NewFromFloat(newFilled)
	delta := n.Sub(f)
	notional := n.Mul(decimal.NewFromFloat(newAvg)).Sub(f.Mul(decimal.NewFromFloat(oldAvg)))
	return notional.DivRound(delta, 12).InexactFloat64()
}
