package health

import "math"

// tokenWindow keeps the last size token-usage readings for one agent.
// Detection starts once the window is full, so the baseline is always a
// full sample before anything is graded against it.
type tokenWindow struct {
	samples []float64
	size    int
}

func newTokenWindow(size int) *tokenWindow {
	return &tokenWindow{size: size}
}

// observe appends a reading and reports whether it deviates from the mean
// of the previous readings by more than two standard deviations. kind is
// "spike" above the mean and "drop" below it.
func (w *tokenWindow) observe(v float64) (kind string, mean, sigma float64, anomalous bool) {
	if len(w.samples) >= w.size {
		mean, sigma = stats(w.samples)
		if diff := v - mean; math.Abs(diff) > 2*sigma {
			if diff > 0 {
				kind = "spike"
			} else {
				kind = "drop"
			}
			anomalous = true
		}
	}

	w.samples = append(w.samples, v)
	if len(w.samples) > w.size {
		w.samples = w.samples[1:]
	}
	return kind, mean, sigma, anomalous
}

func stats(samples []float64) (mean, sigma float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean = sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}
