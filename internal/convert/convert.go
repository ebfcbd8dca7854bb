// Package convert maps between the coarse step encoding and the DPT 5.001
// percent encoding of a cover position.
package convert

import "math"

const (
	// MaxPercent is the upper bound of the percent encoding
	MaxPercent = 100
	// MaxByte is the raw DPT 5.001 value that represents 100%
	MaxByte = 255
)

// StepToPercent converts a step to a percentage, rounding down.
// step is clamped to [0, maxStep] first, so the result is always in [0, 100].
func StepToPercent(step, maxStep int) int {
	maxStep = normalizeMax(maxStep)
	step = clamp(step, 0, maxStep)
	return step * MaxPercent / maxStep
}

// PercentToStep converts a raw DPT 5.001 byte to a percentage and then to a
// step. The step is rounded up so any nonzero percentage yields at least
// step 1, and maxStep is only reached at 100%.
func PercentToStep(percentByte, maxStep int) (percent, step int) {
	maxStep = normalizeMax(maxStep)

	percent = int(math.Round(float64(percentByte) / MaxByte * MaxPercent))
	percent = clamp(percent, 0, MaxPercent)
	if percent <= 0 {
		return 0, 0
	}

	step = int(math.Ceil(float64(percent*maxStep) / MaxPercent))
	if step > maxStep {
		step = maxStep
	}
	return percent, step
}

// ClampStep bounds a step value to [0, maxStep]
func ClampStep(step, maxStep int) int {
	return clamp(step, 0, normalizeMax(maxStep))
}

// ClampPercent bounds a percent value to [0, 100]
func ClampPercent(percent int) int {
	return clamp(percent, 0, MaxPercent)
}

func normalizeMax(maxStep int) int {
	if maxStep < 1 {
		return 1
	}
	return maxStep
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
