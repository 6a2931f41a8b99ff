package reviewqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartag/cartag-go/internal/classifier"
	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/decision"
	"github.com/cartag/cartag-go/internal/taxonomy"
	"github.com/cartag/cartag-go/internal/uncertainty"
)

func newTestStore(t *testing.T) datastore.Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "test.db")

	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func reviewDecision(imageID string, entropy float64, cats ...taxonomy.Category) decision.ImageDecision {
	d := decision.ImageDecision{
		Image:   classifier.ImageRef{ID: imageID, Locator: "data/" + imageID + ".jpg"},
		Outcome: decision.OutcomeNeedsReview,
	}
	for _, cat := range cats {
		d.Categories = append(d.Categories, decision.CategoryDecision{
			Category: cat,
			Outcome:  decision.OutcomeNeedsReview,
			Signals:  uncertainty.Signals{NormalizedEntropy: entropy},
			Prediction: classifier.Prediction{
				Category: cat,
				Labels:   []string{"Toyota", "Honda"},
				Probs:    []float64{0.55, 0.45},
			},
		})
	}
	return d
}

func TestEnqueueCreatesTask(t *testing.T) {
	store := newTestStore(t)
	builder := NewBuilder(store)

	created, err := builder.Enqueue([]decision.ImageDecision{
		reviewDecision("IMG-001", 0.8, taxonomy.CategoryBrand, taxonomy.CategoryAngle),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	task, err := store.FindReviewTask("IMG-001", "angle,brand", datastore.ReviewStatusPending)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, `["angle","brand"]`, task.Categories)
	assert.InDelta(t, 0.8, task.Entropy, 1e-12)

	var vectors map[string]map[string]float64
	require.NoError(t, json.Unmarshal([]byte(task.Vectors), &vectors))
	assert.InDelta(t, 0.55, vectors["brand"]["Toyota"], 1e-12)
}

func TestEnqueueSkipsAutoAccepted(t *testing.T) {
	store := newTestStore(t)
	builder := NewBuilder(store)

	created, err := builder.Enqueue([]decision.ImageDecision{
		{Image: classifier.ImageRef{ID: "IMG-001"}, Outcome: decision.OutcomeAutoAccept},
	})
	require.NoError(t, err)
	assert.Zero(t, created)

	tasks, err := store.PendingReviewTasks(0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestEnqueueDedupes(t *testing.T) {
	store := newTestStore(t)
	builder := NewBuilder(store)

	batch := []decision.ImageDecision{reviewDecision("IMG-001", 0.8, taxonomy.CategoryBrand)}

	created, err := builder.Enqueue(batch)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// Re-running the same batch must not duplicate the open task.
	created, err = builder.Enqueue(batch)
	require.NoError(t, err)
	assert.Zero(t, created)

	tasks, err := store.PendingReviewTasks(0)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// A different category set for the same image is a separate task.
	created, err = builder.Enqueue([]decision.ImageDecision{
		reviewDecision("IMG-001", 0.5, taxonomy.CategoryAngle),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestEnqueueDedupesAgainstExported(t *testing.T) {
	store := newTestStore(t)
	builder := NewBuilder(store)
	exporter := NewExporter(store, filepath.Join(t.TempDir(), "queue.json"), 0)

	batch := []decision.ImageDecision{reviewDecision("IMG-001", 0.8, taxonomy.CategoryBrand)}
	_, err := builder.Enqueue(batch)
	require.NoError(t, err)
	_, err = exporter.Export()
	require.NoError(t, err)

	created, err := builder.Enqueue(batch)
	require.NoError(t, err)
	assert.Zero(t, created, "EXPORTED task still blocks re-enqueue")
}

func TestExportWritesRankedQueue(t *testing.T) {
	store := newTestStore(t)
	builder := NewBuilder(store)

	require.NoError(t, store.SaveImage(&datastore.Image{
		ImageID: "IMG-002", Locator: "data/IMG-002.jpg",
	}))

	_, err := builder.Enqueue([]decision.ImageDecision{
		reviewDecision("IMG-001", 0.3, taxonomy.CategoryBrand),
		reviewDecision("IMG-002", 0.9, taxonomy.CategoryAngle),
		reviewDecision("IMG-003", 0.6, taxonomy.CategoryStyle),
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "queue.json")
	exporter := NewExporter(store, path, 2)

	count, err := exporter.Export()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var queue QueueFile
	require.NoError(t, json.Unmarshal(data, &queue))

	assert.Equal(t, 2, queue.Metadata.Count)
	require.Len(t, queue.Samples, 2)
	assert.Equal(t, "IMG-002", queue.Samples[0].ImageID, "highest entropy first")
	assert.Equal(t, "IMG-003", queue.Samples[1].ImageID)
	assert.Equal(t, "data/IMG-002.jpg", queue.Samples[0].ImagePath)
	assert.Equal(t, "Toyota", queue.Samples[0].Best["angle"].Label)

	// IMG-001 fell below the cap and stays pending.
	pending, err := store.PendingReviewTasks(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "IMG-001", pending[0].ImageID)
}

func TestExportEmptyQueue(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "queue.json")

	count, err := NewExporter(store, path, 0).Export()
	require.NoError(t, err)
	assert.Zero(t, count)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var queue QueueFile
	require.NoError(t, json.Unmarshal(data, &queue))
	assert.Zero(t, queue.Metadata.Count)
	assert.Empty(t, queue.Samples)
}

type recordingApplier struct {
	calls []Correction
	fail  map[string]error
}

func (a *recordingApplier) ApplyManual(imageID string, category taxonomy.Category, labels []string, reviewerID string) error {
	if err, ok := a.fail[imageID]; ok {
		return err
	}
	a.calls = append(a.calls, Correction{
		ImageID:    imageID,
		Category:   string(category),
		Labels:     labels,
		ReviewerID: reviewerID,
	})
	return nil
}

func TestIngestFile(t *testing.T) {
	payload := `{
		"corrections": [
			{"image_id": "IMG-001", "category": "angle", "labels": ["前45°"], "reviewer_id": "reviewer_7"},
			{"image_id": "IMG-002", "category": "brand", "labels": ["Honda"], "reviewer_id": "reviewer_7"}
		]
	}`
	path := filepath.Join(t.TempDir(), "corrections.json")
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	applier := &recordingApplier{}
	summary, err := NewIngestor(applier).IngestFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Applied)
	assert.Zero(t, summary.Failed)

	require.Len(t, applier.calls, 2)
	assert.Equal(t, "angle", applier.calls[0].Category)
	assert.Equal(t, []string{"前45°"}, applier.calls[0].Labels)
}

func TestIngestBareArray(t *testing.T) {
	payload := `[{"image_id": "IMG-001", "category": "color", "labels": ["哑光灰"], "reviewer_id": "reviewer_3"}]`
	path := filepath.Join(t.TempDir(), "corrections.json")
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	applier := &recordingApplier{}
	summary, err := NewIngestor(applier).IngestFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
}

func TestIngestContinuesPastFailures(t *testing.T) {
	applier := &recordingApplier{fail: map[string]error{"IMG-001": assert.AnError}}
	summary := NewIngestor(applier).Apply([]Correction{
		{ImageID: "IMG-001", Category: "angle", Labels: []string{"正前"}, ReviewerID: "r1"},
		{ImageID: "IMG-002", Category: "angle", Labels: []string{"正侧"}, ReviewerID: "r1"},
	})
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, applier.calls, 1)
	assert.Equal(t, "IMG-002", applier.calls[0].ImageID)
}

func TestIngestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrections.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := NewIngestor(&recordingApplier{}).IngestFile(path)
	require.Error(t, err)
}
