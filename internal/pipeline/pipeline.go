// Package pipeline runs batch annotation: each image is scored across the
// gated categories, routed by the decision engine, and either written to
// the label store or queued for human review.
package pipeline

import (
	"context"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cartag/cartag-go/internal/classifier"
	"github.com/cartag/cartag-go/internal/decision"
	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/logging"
	"github.com/cartag/cartag-go/internal/observability/metrics"
	"github.com/cartag/cartag-go/internal/reconciler"
	"github.com/cartag/cartag-go/internal/reviewqueue"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "pipeline.log")
	serviceLevelVar.Set(slog.LevelDebug)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "pipeline", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize pipeline file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "pipeline")
		closeLogger = func() error { return nil }
	}
}

// ColorTagger produces the dominant body color for an image. It is a
// separate producer boundary because color is open vocabulary and skips
// the gated label sets.
type ColorTagger func(ctx context.Context, img classifier.ImageRef) (label string, confidence float64, err error)

// BatchSummary reports the outcome of one batch run.
type BatchSummary struct {
	Processed    int // images fully processed
	Failed       int // images that could not be processed at all
	AutoAccepted int // images fully auto-labeled
	NeedsReview  int // images routed to review
	Conflicts    int // auto writes rejected by manual precedence
	TasksCreated int // review tasks created this run
	Exported     int // samples written to the review queue file
}

// Config wires the pipeline's collaborators.
type Config struct {
	Scorer       classifier.Scorer
	Engine       *decision.Engine
	Registry     *taxonomy.Registry
	Reconciler   *reconciler.Reconciler
	Queue        *reviewqueue.Builder
	Exporter     *reviewqueue.Exporter
	Metrics      *metrics.PipelineMetrics
	ColorTagger  ColorTagger
	Workers      int
	ScoreTimeout time.Duration
}

// Runner executes batch annotation runs.
type Runner struct {
	scorer      classifier.Scorer
	engine      *decision.Engine
	registry    *taxonomy.Registry
	rec         *reconciler.Reconciler
	queue       *reviewqueue.Builder
	exporter    *reviewqueue.Exporter
	metrics     *metrics.PipelineMetrics
	colorTagger ColorTagger
	workers     int
	timeout     time.Duration
}

// NewRunner creates a batch runner from the config. Workers below 1 and a
// zero timeout fall back to safe defaults.
func NewRunner(cfg *Config) *Runner {
	workers := cfg.Workers
	if workers < 1 {
		workers = 4
	}
	timeout := cfg.ScoreTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		scorer:      cfg.Scorer,
		engine:      cfg.Engine,
		registry:    cfg.Registry,
		rec:         cfg.Reconciler,
		queue:       cfg.Queue,
		exporter:    cfg.Exporter,
		metrics:     cfg.Metrics,
		colorTagger: cfg.ColorTagger,
		workers:     workers,
		timeout:     timeout,
	}
}

// Run processes the batch: images run concurrently under the worker
// limit, one failing image never aborts its siblings, and the review
// queue is exported once after every task for the batch is created.
func (r *Runner) Run(ctx context.Context, images []classifier.ImageRef) (BatchSummary, error) {
	start := time.Now()
	var (
		mu       sync.Mutex
		summary  BatchSummary
		reviewed []decision.ImageDecision
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i := range images {
		img := images[i]
		g.Go(func() error {
			dec, conflicts, err := r.processImage(gctx, img)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				if r.metrics != nil {
					r.metrics.ImagesFailed.Inc()
				}
				logger.Error("image processing failed", "image_id", img.ID, "error", err)
				// Swallowed on purpose: siblings keep running.
				return nil
			}
			summary.Processed++
			summary.Conflicts += conflicts
			if r.metrics != nil {
				r.metrics.ImagesProcessed.Inc()
			}
			if dec.Outcome == decision.OutcomeNeedsReview {
				summary.NeedsReview++
				reviewed = append(reviewed, dec)
			} else {
				summary.AutoAccepted++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	if r.queue != nil && len(reviewed) > 0 {
		created, err := r.queue.Enqueue(reviewed)
		summary.TasksCreated = created
		if r.metrics != nil {
			r.metrics.ReviewTasksCreated.Add(float64(created))
		}
		if err != nil {
			return summary, err
		}
	}

	if r.exporter != nil {
		exported, err := r.exporter.Export()
		summary.Exported = exported
		if err != nil {
			return summary, err
		}
	}

	if r.metrics != nil {
		r.metrics.RecordBatch(time.Since(start).Seconds())
	}
	logger.Info("batch complete",
		"processed", summary.Processed,
		"failed", summary.Failed,
		"auto_accepted", summary.AutoAccepted,
		"needs_review", summary.NeedsReview,
		"conflicts", summary.Conflicts,
		"tasks_created", summary.TasksCreated,
		"exported", summary.Exported,
		"duration_ms", time.Since(start).Milliseconds())
	return summary, nil
}

// processImage scores the gated categories concurrently, joins the
// results into an image decision, and applies accepted labels. Returns
// the number of provenance conflicts hit while writing.
func (r *Runner) processImage(ctx context.Context, img classifier.ImageRef) (decision.ImageDecision, int, error) {
	gated := r.gatedCategories()
	decisions := make([]decision.CategoryDecision, len(gated))

	var wg sync.WaitGroup
	for i, cat := range gated {
		wg.Add(1)
		go func(slot int, category taxonomy.Category) {
			defer wg.Done()
			decisions[slot] = r.scoreCategory(ctx, img, category)
		}(i, cat)
	}
	wg.Wait()

	dec := r.engine.Aggregate(img, decisions)

	conflicts := 0
	for i := range dec.Categories {
		cd := &dec.Categories[i]
		if r.metrics != nil {
			r.metrics.RecordDecision(string(cd.Category), string(cd.Outcome))
		}
		if len(cd.Accepted) == 0 {
			continue
		}
		if conflicted, err := r.applyAccepted(img, cd); err != nil {
			return dec, conflicts, err
		} else if conflicted {
			conflicts++
		}
	}

	if r.colorTagger != nil {
		conflicted, err := r.applyColor(ctx, img)
		if err != nil {
			logger.Warn("color tagging failed", "image_id", img.ID, "error", err)
		} else if conflicted {
			conflicts++
		}
	}

	return dec, conflicts, nil
}

// scoreCategory runs one scorer call under the timeout. Any failure
// produces the fail-safe review decision instead of an error.
func (r *Runner) scoreCategory(ctx context.Context, img classifier.ImageRef, category taxonomy.Category) decision.CategoryDecision {
	labels, err := r.registry.Labels(category)
	if err != nil {
		return r.engine.FailedCategory(category, err)
	}

	scoreCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	pred, err := r.scorer.Score(scoreCtx, img, category, labels)
	if r.metrics != nil {
		r.metrics.RecordScore(string(category), time.Since(start).Seconds())
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordInferenceError(string(category))
		}
		logger.Warn("scoring failed, routing category to review",
			"image_id", img.ID, "category", category, "error", err)
		return r.engine.FailedCategory(category, err)
	}
	return r.engine.EvaluateCategory(pred)
}

// applyAccepted writes the accepted labels through the reconciler. A
// provenance conflict is an expected anomaly, not a batch failure.
func (r *Runner) applyAccepted(img classifier.ImageRef, cd *decision.CategoryDecision) (conflicted bool, err error) {
	assignments := make([]reconciler.LabelAssignment, 0, len(cd.Accepted))
	for _, accepted := range cd.Accepted {
		assignments = append(assignments, reconciler.LabelAssignment{
			Label:      accepted.Label,
			Confidence: accepted.Probability,
		})
	}
	err = r.rec.ApplyAuto(img.ID, cd.Category, assignments, false)
	if errors.Is(err, errors.ErrProvenanceConflict) {
		if r.metrics != nil {
			r.metrics.ProvenanceConflicts.Inc()
		}
		logger.Info("manual label holds slot, auto write skipped",
			"image_id", img.ID, "category", cd.Category)
		return true, nil
	}
	return false, err
}

// applyColor runs the color producer and records its output directly;
// color opts out of gating.
func (r *Runner) applyColor(ctx context.Context, img classifier.ImageRef) (conflicted bool, err error) {
	tagCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	label, confidence, err := r.colorTagger(tagCtx, img)
	if err != nil {
		return false, err
	}

	err = r.rec.ApplyAuto(img.ID, taxonomy.CategoryColor,
		[]reconciler.LabelAssignment{{Label: label, Confidence: confidence}}, false)
	if errors.Is(err, errors.ErrProvenanceConflict) {
		if r.metrics != nil {
			r.metrics.ProvenanceConflicts.Inc()
		}
		return true, nil
	}
	return false, err
}

// gatedCategories returns the categories routed through the decision
// engine, in registry order.
func (r *Runner) gatedCategories() []taxonomy.Category {
	var gated []taxonomy.Category
	for _, cat := range r.registry.Categories() {
		if r.registry.IsGated(cat) {
			gated = append(gated, cat)
		}
	}
	return gated
}

// Close releases the pipeline service log file.
func Close() error {
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}
