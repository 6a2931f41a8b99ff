// Package uncertainty derives scalar uncertainty signals from a probability
// vector. The three signals are independent axes: max-confidence alone
// under-detects cases where the scorer is torn between two plausible labels,
// which margin and entropy catch.
package uncertainty

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Signals holds the uncertainty measures for one probability vector.
type Signals struct {
	MaxConfidence     float64 // highest probability in the vector
	Margin            float64 // gap between top-1 and top-2 probabilities
	Entropy           float64 // Shannon entropy in nats, range [0, ln k]
	NormalizedEntropy float64 // entropy / ln(k), range [0, 1]
}

// Compute derives the signals from probability vector p over k = len(p)
// labels. An empty vector yields zero signals; a single-label vector has
// zero margin and zero entropy.
func Compute(p []float64) Signals {
	if len(p) == 0 {
		return Signals{}
	}

	s := Signals{
		MaxConfidence: floats.Max(p),
		Entropy:       stat.Entropy(p),
	}

	if len(p) > 1 {
		sorted := slices.Clone(p)
		slices.Sort(sorted)
		s.Margin = sorted[len(sorted)-1] - sorted[len(sorted)-2]
		s.NormalizedEntropy = s.Entropy / math.Log(float64(len(p)))
	}

	return s
}
