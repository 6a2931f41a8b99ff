package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cartag/cartag-go/internal/classifier"
	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/decision"
	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/reconciler"
	"github.com/cartag/cartag-go/internal/reviewqueue"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

// scoreFunc adapts a function to the Scorer interface.
type scoreFunc func(ctx context.Context, img classifier.ImageRef, category taxonomy.Category, labels []string) (classifier.Prediction, error)

func (f scoreFunc) Score(ctx context.Context, img classifier.ImageRef, category taxonomy.Category, labels []string) (classifier.Prediction, error) {
	return f(ctx, img, category, labels)
}

// peaked builds a probability vector assigning the given peaks and
// spreading the remainder uniformly over the other labels.
func peaked(labels []string, peaks map[string]float64) []float64 {
	total := 0.0
	for _, p := range peaks {
		total += p
	}
	rest := (1.0 - total) / float64(len(labels)-len(peaks))
	probs := make([]float64, len(labels))
	for i, label := range labels {
		if p, ok := peaks[label]; ok {
			probs[i] = p
		} else {
			probs[i] = rest
		}
	}
	return probs
}

func uniform(labels []string) []float64 {
	probs := make([]float64, len(labels))
	for i := range probs {
		probs[i] = 1.0 / float64(len(labels))
	}
	return probs
}

type testEnv struct {
	store    datastore.Interface
	registry *taxonomy.Registry
	rec      *reconciler.Reconciler
	queue    *reviewqueue.Builder
	exporter *reviewqueue.Exporter
	path     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "test.db")

	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	registry := taxonomy.NewRegistry()
	for _, category := range registry.Categories() {
		labels, err := registry.Labels(category)
		require.NoError(t, err)
		tags := make([]datastore.TagDefinition, 0, len(labels))
		for _, label := range labels {
			tags = append(tags, datastore.TagDefinition{Name: label, Category: string(category)})
		}
		require.NoError(t, store.SeedTags(tags))
	}

	path := filepath.Join(t.TempDir(), "review_queue.json")
	return &testEnv{
		store:    store,
		registry: registry,
		rec:      reconciler.New(store, registry, "cartag"),
		queue:    reviewqueue.NewBuilder(store),
		exporter: reviewqueue.NewExporter(store, path, 0),
		path:     path,
	}
}

func testPolicies() decision.PolicySet {
	return decision.PolicySet{
		taxonomy.CategoryAngle: {MinConfidence: 0.4, MinMargin: 0.25, MaxEntropy: 0.35},
		taxonomy.CategoryBrand: {MinConfidence: 0.5, MinMargin: 0.3},
		taxonomy.CategoryStyle: {MinConfidence: 0.4, LabelThreshold: 0.25},
	}
}

func (e *testEnv) runner(scorer classifier.Scorer, tagger ColorTagger) *Runner {
	return NewRunner(&Config{
		Scorer:       scorer,
		Engine:       decision.NewEngine(e.registry, testPolicies()),
		Registry:     e.registry,
		Reconciler:   e.rec,
		Queue:        e.queue,
		Exporter:     e.exporter,
		ColorTagger:  tagger,
		Workers:      2,
		ScoreTimeout: 5 * time.Second,
	})
}

// confidentScorer returns vectors that pass every policy.
func confidentScorer() classifier.Scorer {
	return scoreFunc(func(ctx context.Context, img classifier.ImageRef, category taxonomy.Category, labels []string) (classifier.Prediction, error) {
		var probs []float64
		switch category {
		case taxonomy.CategoryAngle:
			probs = peaked(labels, map[string]float64{"正前": 0.9})
		case taxonomy.CategoryBrand:
			probs = peaked(labels, map[string]float64{"Toyota": 0.65})
		case taxonomy.CategoryStyle:
			probs = peaked(labels, map[string]float64{"新能源": 0.45, "概念车": 0.35})
		default:
			probs = uniform(labels)
		}
		return classifier.Prediction{Category: category, Labels: labels, Probs: probs}, nil
	})
}

func TestRunAutoAcceptsConfidentImage(t *testing.T) {
	env := newTestEnv(t)
	runner := env.runner(confidentScorer(), nil)

	summary, err := runner.Run(context.Background(), []classifier.ImageRef{
		{ID: "IMG-001", Locator: "data/IMG-001.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.AutoAccepted)
	assert.Zero(t, summary.NeedsReview)
	assert.Zero(t, summary.Failed)

	brand, err := env.store.CurrentAssignments("IMG-001", "brand")
	require.NoError(t, err)
	require.Len(t, brand, 1)
	assert.Equal(t, "Toyota", brand[0].Label)

	style, err := env.store.CurrentAssignments("IMG-001", "style")
	require.NoError(t, err)
	assert.Len(t, style, 2)

	tasks, err := env.store.PendingReviewTasks(0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRunRoutesUncertainImageToReview(t *testing.T) {
	env := newTestEnv(t)
	scorer := scoreFunc(func(ctx context.Context, img classifier.ImageRef, category taxonomy.Category, labels []string) (classifier.Prediction, error) {
		if category == taxonomy.CategoryAngle {
			// Near-uniform angle distribution fails every threshold.
			return classifier.Prediction{Category: category, Labels: labels, Probs: uniform(labels)}, nil
		}
		return confidentScorer().Score(ctx, img, category, labels)
	})
	runner := env.runner(scorer, nil)

	summary, err := runner.Run(context.Background(), []classifier.ImageRef{
		{ID: "IMG-001", Locator: "data/IMG-001.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NeedsReview)
	assert.Equal(t, 1, summary.TasksCreated)
	assert.Equal(t, 1, summary.Exported)

	// The confident categories are still written while angle waits for
	// review.
	brand, err := env.store.CurrentAssignments("IMG-001", "brand")
	require.NoError(t, err)
	assert.Len(t, brand, 1)

	angle, err := env.store.CurrentAssignments("IMG-001", "angle")
	require.NoError(t, err)
	assert.Empty(t, angle)

	task, err := env.store.FindReviewTask("IMG-001", "angle", datastore.ReviewStatusExported)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestRunInferenceFailureIsFailSafe(t *testing.T) {
	env := newTestEnv(t)
	scorer := scoreFunc(func(ctx context.Context, img classifier.ImageRef, category taxonomy.Category, labels []string) (classifier.Prediction, error) {
		if category == taxonomy.CategoryBrand {
			return classifier.Prediction{}, errors.Newf("scorer unavailable: %w", errors.ErrInference).
				Component("classifier").
				Category(errors.CategoryInference).
				Build()
		}
		return confidentScorer().Score(ctx, img, category, labels)
	})
	runner := env.runner(scorer, nil)

	summary, err := runner.Run(context.Background(), []classifier.ImageRef{
		{ID: "IMG-001", Locator: "data/IMG-001.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed, "failed inference routes to review, not batch failure")
	assert.Equal(t, 1, summary.NeedsReview)

	brand, err := env.store.CurrentAssignments("IMG-001", "brand")
	require.NoError(t, err)
	assert.Empty(t, brand)

	task, err := env.store.FindReviewTask("IMG-001", "brand", datastore.ReviewStatusExported)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestRunCountsProvenanceConflicts(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.rec.ApplyManual("IMG-001", taxonomy.CategoryBrand, []string{"Honda"}, "reviewer_7"))

	runner := env.runner(confidentScorer(), nil)
	summary, err := runner.Run(context.Background(), []classifier.ImageRef{
		{ID: "IMG-001", Locator: "data/IMG-001.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	// The manual label survives the batch.
	brand, err := env.store.CurrentAssignments("IMG-001", "brand")
	require.NoError(t, err)
	require.Len(t, brand, 1)
	assert.Equal(t, "Honda", brand[0].Label)
	assert.Equal(t, datastore.ProvenanceManual, brand[0].Provenance)
}

func TestRunColorTagger(t *testing.T) {
	env := newTestEnv(t)
	tagger := ColorTagger(func(ctx context.Context, img classifier.ImageRef) (string, float64, error) {
		return "珍珠白", 0.82, nil
	})
	runner := env.runner(confidentScorer(), tagger)

	_, err := runner.Run(context.Background(), []classifier.ImageRef{
		{ID: "IMG-001", Locator: "data/IMG-001.jpg"},
	})
	require.NoError(t, err)

	color, err := env.store.CurrentAssignments("IMG-001", "color")
	require.NoError(t, err)
	require.Len(t, color, 1)
	assert.Equal(t, "珍珠白", color[0].Label)
	assert.Equal(t, datastore.ProvenanceAuto, color[0].Provenance)
}

func TestRunBatchConcurrency(t *testing.T) {
	env := newTestEnv(t)
	runner := env.runner(confidentScorer(), nil)

	images := make([]classifier.ImageRef, 10)
	for i := range images {
		images[i] = classifier.ImageRef{ID: "IMG-" + string(rune('A'+i)), Locator: "data/img.jpg"}
	}

	summary, err := runner.Run(context.Background(), images)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Processed)
	assert.Equal(t, 10, summary.AutoAccepted)
	assert.Zero(t, summary.Failed)
}

func TestRunIdempotentRerun(t *testing.T) {
	env := newTestEnv(t)
	runner := env.runner(confidentScorer(), nil)
	batch := []classifier.ImageRef{{ID: "IMG-001", Locator: "data/IMG-001.jpg"}}

	_, err := runner.Run(context.Background(), batch)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), batch)
	require.NoError(t, err)

	// Unchanged scores write no second event.
	events, err := env.store.EventsForImage("IMG-001")
	require.NoError(t, err)
	byCategory := make(map[string]int)
	for i := range events {
		byCategory[events[i].Category]++
	}
	assert.Equal(t, 1, byCategory["brand"])
	assert.Equal(t, 1, byCategory["angle"])
	assert.Equal(t, 1, byCategory["style"])
}
