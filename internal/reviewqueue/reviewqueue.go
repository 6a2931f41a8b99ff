// Package reviewqueue turns uncertain image decisions into persistent
// review tasks, exports pending tasks as a JSON queue for annotators, and
// ingests the corrections they send back.
package reviewqueue

import (
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/decision"
	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/logging"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "reviewqueue.log")
	serviceLevelVar.Set(slog.LevelDebug)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "reviewqueue", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize reviewqueue file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "reviewqueue")
		closeLogger = func() error { return nil }
	}
}

// Builder converts NEEDS_REVIEW image decisions into review tasks,
// deduplicating against tasks already open for the same image and
// category set.
type Builder struct {
	store datastore.Interface
}

// NewBuilder creates a review task builder backed by the store.
func NewBuilder(store datastore.Interface) *Builder {
	return &Builder{store: store}
}

// Enqueue creates review tasks for the flagged decisions. Decisions whose
// outcome is AUTO_ACCEPT are skipped, and an image with an open task for
// the same category set is not enqueued again. Returns the number of
// tasks created.
func (b *Builder) Enqueue(decisions []decision.ImageDecision) (int, error) {
	created := 0
	for i := range decisions {
		ok, err := b.enqueueOne(&decisions[i])
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (b *Builder) enqueueOne(d *decision.ImageDecision) (bool, error) {
	if d.Outcome != decision.OutcomeNeedsReview {
		return false, nil
	}

	flagged := d.Flagged()
	key := categoryKey(flagged)

	existing, err := b.store.FindReviewTask(d.Image.ID, key,
		datastore.ReviewStatusPending, datastore.ReviewStatusExported)
	if err != nil {
		return false, errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryDatabase).
			ImageContext(d.Image.ID, "").
			Build()
	}
	if existing != nil {
		logger.Debug("review task already open, skipping",
			"image_id", d.Image.ID, "category_key", key)
		return false, nil
	}

	task := &datastore.ReviewTask{
		ImageID:     d.Image.ID,
		Categories:  marshalCategories(flagged),
		CategoryKey: key,
		Vectors:     marshalVectors(d),
		Entropy:     maxEntropy(d),
		Status:      datastore.ReviewStatusPending,
	}
	if err := b.store.CreateReviewTask(task); err != nil {
		return false, errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryDatabase).
			ImageContext(d.Image.ID, "").
			Build()
	}

	logger.Info("review task created",
		"image_id", d.Image.ID,
		"categories", key,
		"entropy", task.Entropy)
	return true, nil
}

// categoryKey builds the canonical dedupe key: flagged categories sorted
// and joined with commas.
func categoryKey(flagged []taxonomy.Category) string {
	names := make([]string, 0, len(flagged))
	for _, cat := range flagged {
		names = append(names, string(cat))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func marshalCategories(flagged []taxonomy.Category) string {
	names := make([]string, 0, len(flagged))
	for _, cat := range flagged {
		names = append(names, string(cat))
	}
	sort.Strings(names)
	data, err := json.Marshal(names)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// marshalVectors serializes the probability vectors of the flagged
// categories so reviewers see what the scorer saw. Categories whose
// inference failed have no vector and are omitted.
func marshalVectors(d *decision.ImageDecision) string {
	vectors := make(map[string]map[string]float64)
	for i := range d.Categories {
		cd := &d.Categories[i]
		if cd.Outcome != decision.OutcomeNeedsReview || len(cd.Prediction.Labels) == 0 {
			continue
		}
		vectors[string(cd.Category)] = cd.Prediction.Map()
	}
	data, err := json.Marshal(vectors)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// maxEntropy returns the highest normalized entropy among the flagged
// categories. It drives export ranking: the most ambiguous images surface
// first.
func maxEntropy(d *decision.ImageDecision) float64 {
	highest := 0.0
	for i := range d.Categories {
		cd := &d.Categories[i]
		if cd.Outcome != decision.OutcomeNeedsReview {
			continue
		}
		if cd.Signals.NormalizedEntropy > highest {
			highest = cd.Signals.NormalizedEntropy
		}
	}
	return highest
}

// Close releases the reviewqueue service log file.
func Close() error {
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}
