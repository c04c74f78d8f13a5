package bench

import "math"

// summarize reduces a slice of per-iteration measurements to mean, min and
// population variance. NaN entries mark failed iterations and are skipped;
// valid reports how many entries contributed. With no valid entries all three
// statistics are NaN.
func summarize(vals []float64) (mean, min, variance float64, valid int) {
	sum := 0.0
	min = math.NaN()
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		if valid == 0 || v < min {
			min = v
		}
		valid++
	}
	if valid == 0 {
		return math.NaN(), math.NaN(), math.NaN(), 0
	}
	mean = sum / float64(valid)
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		d := v - mean
		variance += d * d
	}
	variance /= float64(valid)
	return mean, min, variance, valid
}
