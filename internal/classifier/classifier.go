// Package classifier is the boundary to the external zero-shot
// vision-language scorer. Implementations return a full probability vector
// over a category's ordered label set; the pipeline owns retry and
// fail-safe policy.
package classifier

import (
	"context"
	"io"
	"log"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/logging"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// Package-level logger specific to the classifier boundary
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "classifier.log")
	serviceLevelVar.Set(slog.LevelDebug)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "classifier", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize classifier file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "classifier")
		closeLogger = func() error { return nil }
	}
}

// ImageRef identifies one image for scoring: a stable id plus the locator
// the scorer needs to fetch pixels.
type ImageRef struct {
	ID      string
	Locator string
}

// Prediction is a full probability distribution over one category's ordered
// label set.
type Prediction struct {
	Category taxonomy.Category
	Labels   []string
	Probs    []float64
}

// Map returns the prediction as a label name to probability mapping.
func (p Prediction) Map() map[string]float64 {
	m := make(map[string]float64, len(p.Labels))
	for i, label := range p.Labels {
		m[label] = p.Probs[i]
	}
	return m
}

// Top returns the arg-max label and its probability.
func (p Prediction) Top() (string, float64) {
	best, bestProb := "", math.Inf(-1)
	for i, label := range p.Labels {
		if p.Probs[i] > bestProb {
			best, bestProb = label, p.Probs[i]
		}
	}
	return best, bestProb
}

// Second returns the runner-up probability, 0 for single-label vectors.
func (p Prediction) Second() float64 {
	if len(p.Probs) < 2 {
		return 0
	}
	first, second := math.Inf(-1), math.Inf(-1)
	for _, prob := range p.Probs {
		switch {
		case prob > first:
			first, second = prob, first
		case prob > second:
			second = prob
		}
	}
	return second
}

// Scorer produces a probability vector for (image, category). Labels is the
// category's ordered label set; the returned vector must align with it.
type Scorer interface {
	Score(ctx context.Context, img ImageRef, category taxonomy.Category, labels []string) (Prediction, error)
}

// probSumTolerance is the floating tolerance when checking that a
// probability vector sums to 1.
const probSumTolerance = 1e-6

// ValidateVector rejects malformed scorer output before it reaches any
// decision: wrong length, NaN, negative values, or a sum away from 1.
func ValidateVector(category taxonomy.Category, labels []string, probs []float64) error {
	if len(probs) != len(labels) {
		return errors.Newf("scorer returned %d probabilities for %d labels: %w",
			len(probs), len(labels), errors.ErrValidation).
			Component("classifier").
			Category(errors.CategoryValidation).
			Context("category", string(category)).
			Build()
	}
	sum := 0.0
	for i, prob := range probs {
		if math.IsNaN(prob) || math.IsInf(prob, 0) {
			return errors.Newf("probability for label %q is not finite: %w",
				labels[i], errors.ErrValidation).
				Component("classifier").
				Category(errors.CategoryValidation).
				Context("category", string(category)).
				Build()
		}
		if prob < 0 {
			return errors.Newf("probability for label %q is negative (%f): %w",
				labels[i], prob, errors.ErrValidation).
				Component("classifier").
				Category(errors.CategoryValidation).
				Context("category", string(category)).
				Build()
		}
		sum += prob
	}
	if math.Abs(sum-1.0) > probSumTolerance {
		return errors.Newf("probability vector sums to %f, want 1: %w", sum, errors.ErrValidation).
			Component("classifier").
			Category(errors.CategoryValidation).
			Context("category", string(category)).
			Build()
	}
	return nil
}

// Close releases the classifier service log file.
func Close() error {
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}
