// Package decision applies per-category uncertainty policies to scorer
// predictions and aggregates them into a per-image routing decision.
//
// The design is deliberately conservative: a category auto-accepts only
// when every configured threshold passes, and one uncertain category is
// enough to route the whole image to review. An incorrect auto-label costs
// more than deferring to a human.
package decision

import (
	"github.com/cartag/cartag-go/internal/classifier"
	"github.com/cartag/cartag-go/internal/taxonomy"
	"github.com/cartag/cartag-go/internal/uncertainty"
)

// Outcome is the routing decision for a prediction.
type Outcome string

const (
	OutcomeAutoAccept  Outcome = "AUTO_ACCEPT"
	OutcomeNeedsReview Outcome = "NEEDS_REVIEW"
)

// Policy holds the acceptance thresholds for one category. A zero value
// disables the corresponding check; a category passes only when ALL
// configured thresholds are satisfied.
type Policy struct {
	MinConfidence float64 // required minimum max-probability
	MinMargin     float64 // required minimum top1-top2 gap
	MaxEntropy    float64 // allowed maximum normalized entropy
	// LabelThreshold is the per-label acceptance bar for multi-label
	// categories; labels clearing it are accepted independently of each
	// other. Typically lower than MinConfidence.
	LabelThreshold float64
}

// PolicySet maps categories to their policies.
type PolicySet map[taxonomy.Category]Policy

// LabelScore pairs a label name with its probability.
type LabelScore struct {
	Label       string
	Probability float64
}

// CategoryDecision is the outcome for one (image, category) prediction.
type CategoryDecision struct {
	Category   taxonomy.Category
	Outcome    Outcome
	Top        LabelScore
	Accepted   []LabelScore // labels cleared for auto-assignment
	Signals    uncertainty.Signals
	Prediction classifier.Prediction // full vector, kept for reviewer context
	Err        error                 // inference failure for this category, if any
}

// ImageDecision aggregates category decisions for one image.
type ImageDecision struct {
	Image      classifier.ImageRef
	Outcome    Outcome
	Categories []CategoryDecision
}

// Flagged returns the categories that require review.
func (d ImageDecision) Flagged() []taxonomy.Category {
	var flagged []taxonomy.Category
	for i := range d.Categories {
		if d.Categories[i].Outcome == OutcomeNeedsReview {
			flagged = append(flagged, d.Categories[i].Category)
		}
	}
	return flagged
}

// Engine evaluates predictions against an immutable policy set.
type Engine struct {
	registry *taxonomy.Registry
	policies PolicySet
}

// NewEngine creates a decision engine. The policy set is copied; later
// mutation of the caller's map does not affect the engine.
func NewEngine(registry *taxonomy.Registry, policies PolicySet) *Engine {
	owned := make(PolicySet, len(policies))
	for cat, policy := range policies {
		owned[cat] = policy
	}
	return &Engine{registry: registry, policies: owned}
}

// Policy returns the policy configured for the category.
func (e *Engine) Policy(cat taxonomy.Category) Policy {
	return e.policies[cat]
}

// passes reports whether the signals satisfy every configured threshold.
func (p Policy) passes(s uncertainty.Signals) bool {
	if p.MinConfidence > 0 && s.MaxConfidence < p.MinConfidence {
		return false
	}
	if p.MinMargin > 0 && s.Margin < p.MinMargin {
		return false
	}
	if p.MaxEntropy > 0 && s.NormalizedEntropy > p.MaxEntropy {
		return false
	}
	return true
}

// EvaluateCategory decides AUTO_ACCEPT or NEEDS_REVIEW for one prediction.
func (e *Engine) EvaluateCategory(pred classifier.Prediction) CategoryDecision {
	signals := uncertainty.Compute(pred.Probs)
	topLabel, topProb := pred.Top()

	d := CategoryDecision{
		Category:   pred.Category,
		Top:        LabelScore{Label: topLabel, Probability: topProb},
		Signals:    signals,
		Prediction: pred,
		Outcome:    OutcomeNeedsReview,
	}

	policy := e.policies[pred.Category]
	if policy.passes(signals) {
		d.Outcome = OutcomeAutoAccept
	}

	if e.registry.IsMultiLabel(pred.Category) {
		// Each label clears or fails its own bar, regardless of the
		// other labels' status.
		bar := policy.LabelThreshold
		if bar <= 0 {
			bar = policy.MinConfidence
		}
		for i, label := range pred.Labels {
			if pred.Probs[i] >= bar && bar > 0 {
				d.Accepted = append(d.Accepted, LabelScore{Label: label, Probability: pred.Probs[i]})
			}
		}
	} else if d.Outcome == OutcomeAutoAccept {
		d.Accepted = []LabelScore{d.Top}
	}

	return d
}

// FailedCategory builds the fail-safe decision for a category whose
// prediction is unavailable: it always routes to review, never auto-accepts.
func (e *Engine) FailedCategory(cat taxonomy.Category, err error) CategoryDecision {
	return CategoryDecision{
		Category: cat,
		Outcome:  OutcomeNeedsReview,
		Err:      err,
	}
}

// Aggregate joins the per-category decisions into the image-level routing
// decision: review if any category needs review, auto-accept only when all
// categories pass.
func (e *Engine) Aggregate(img classifier.ImageRef, decisions []CategoryDecision) ImageDecision {
	outcome := OutcomeAutoAccept
	for i := range decisions {
		if decisions[i].Outcome == OutcomeNeedsReview {
			outcome = OutcomeNeedsReview
			break
		}
	}
	return ImageDecision{
		Image:      img,
		Outcome:    outcome,
		Categories: decisions,
	}
}
