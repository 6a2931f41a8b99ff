package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartag/cartag-go/internal/conf"
)

// createDatabase initializes a temporary SQLite store for testing.
func createDatabase(t *testing.T) Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = t.TempDir() + "/test.db"

	store := New(settings)
	require.NoError(t, store.Open(), "Failed to open database")

	t.Cleanup(func() {
		assert.NoError(t, store.Close(), "Failed to close datastore")
	})

	return store
}

func TestSaveImageUpsert(t *testing.T) {
	store := createDatabase(t)

	image := &Image{
		ImageID: "IMG-001",
		Source:  "brand_images",
		Locator: "/data/cadillac/img001.jpg",
		Brand:   "Cadillac",
		Width:   1920,
		Height:  1080,
	}
	require.NoError(t, store.SaveImage(image))

	// Metadata correction keeps the same row.
	image.Brand = "Ferrari"
	require.NoError(t, store.SaveImage(image))

	got, err := store.GetImage("IMG-001")
	require.NoError(t, err)
	assert.Equal(t, "Ferrari", got.Brand)

	images, err := store.SearchImages(ImageFilters{Brand: "Ferrari"})
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestSeedTagsIdempotent(t *testing.T) {
	store := createDatabase(t)

	tags := []TagDefinition{
		{Name: "Toyota", Category: "brand"},
		{Name: "Honda", Category: "brand"},
	}
	require.NoError(t, store.SeedTags(tags))
	require.NoError(t, store.SeedTags([]TagDefinition{
		{Name: "Toyota", Category: "brand"},
	}))

	got, err := store.TagsByCategory("brand")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	tag, err := store.GetTag("brand", "Toyota")
	require.NoError(t, err)
	assert.Equal(t, "Toyota", tag.Name)
}

func TestReplaceAssignmentsKeepsHistory(t *testing.T) {
	store := createDatabase(t)

	require.NoError(t, store.SeedTags([]TagDefinition{
		{Name: "Toyota", Category: "brand"},
		{Name: "Honda", Category: "brand"},
	}))

	first := []ImageTagAssignment{
		{TagID: 1, Label: "Toyota", Confidence: 0.6, Provenance: ProvenanceAuto},
	}
	require.NoError(t, store.ReplaceAssignments("IMG-001", "brand", first, &AnnotationEvent{
		EventID:    "evt-1",
		ImageID:    "IMG-001",
		Category:   "brand",
		Actor:      "cartag",
		Provenance: ProvenanceAuto,
		OldLabels:  `[]`,
		NewLabels:  `["Toyota"]`,
	}))

	second := []ImageTagAssignment{
		{TagID: 2, Label: "Honda", Confidence: 1.0, Provenance: ProvenanceManual},
	}
	require.NoError(t, store.ReplaceAssignments("IMG-001", "brand", second, &AnnotationEvent{
		EventID:    "evt-2",
		ImageID:    "IMG-001",
		Category:   "brand",
		Actor:      "reviewer_7",
		Provenance: ProvenanceManual,
		OldLabels:  `["Toyota"]`,
		NewLabels:  `["Honda"]`,
	}))

	current, err := store.CurrentAssignments("IMG-001", "brand")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Honda", current[0].Label)
	assert.Equal(t, ProvenanceManual, current[0].Provenance)

	// The superseded row survives as history.
	all, err := store.SearchAssignments(AssignmentFilters{Category: "brand"})
	require.NoError(t, err)
	assert.Len(t, all, 1, "search returns only current assignments")

	events, err := store.EventsForImage("IMG-001")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, `["Toyota"]`, events[0].NewLabels)
	assert.Equal(t, `["Honda"]`, events[1].NewLabels)
}

func TestSearchAssignmentsByBrand(t *testing.T) {
	store := createDatabase(t)

	require.NoError(t, store.SaveImage(&Image{ImageID: "IMG-001", Locator: "/a.jpg", Brand: "Toyota"}))
	require.NoError(t, store.SaveImage(&Image{ImageID: "IMG-002", Locator: "/b.jpg", Brand: "Honda"}))

	require.NoError(t, store.ReplaceAssignments("IMG-001", "angle",
		[]ImageTagAssignment{{TagID: 1, Label: "正前", Confidence: 0.9, Provenance: ProvenanceAuto}}, nil))
	require.NoError(t, store.ReplaceAssignments("IMG-002", "angle",
		[]ImageTagAssignment{{TagID: 1, Label: "正前", Confidence: 0.9, Provenance: ProvenanceAuto}}, nil))

	got, err := store.SearchAssignments(AssignmentFilters{Category: "angle", Brand: "Toyota"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "IMG-001", got[0].ImageID)
}

func TestReviewTaskLifecycle(t *testing.T) {
	store := createDatabase(t)

	task := &ReviewTask{
		ImageID:     "IMG-001",
		Categories:  `["angle"]`,
		CategoryKey: "angle",
		Vectors:     `{"angle":{"正前":0.1}}`,
		Status:      ReviewStatusPending,
	}
	require.NoError(t, store.CreateReviewTask(task))

	found, err := store.FindReviewTask("IMG-001", "angle", ReviewStatusPending, ReviewStatusExported)
	require.NoError(t, err)
	require.NotNil(t, found)

	missing, err := store.FindReviewTask("IMG-001", "brand", ReviewStatusPending)
	require.NoError(t, err)
	assert.Nil(t, missing)

	pending, err := store.PendingReviewTasks(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.MarkTasksExported([]uint{task.ID}))
	pending, err = store.PendingReviewTasks(0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	resolved, err := store.ResolveReviewTasks("IMG-001", "angle")
	require.NoError(t, err)
	assert.Equal(t, int64(1), resolved)

	// Already resolved: nothing left to resolve.
	resolved, err = store.ResolveReviewTasks("IMG-001", "angle")
	require.NoError(t, err)
	assert.Zero(t, resolved)
}

func TestStatistics(t *testing.T) {
	store := createDatabase(t)

	require.NoError(t, store.SaveImage(&Image{ImageID: "IMG-001", Locator: "/a.jpg", Brand: "Toyota"}))
	require.NoError(t, store.SaveImage(&Image{ImageID: "IMG-002", Locator: "/b.jpg", Brand: "Toyota"}))
	require.NoError(t, store.ReplaceAssignments("IMG-001", "brand",
		[]ImageTagAssignment{{TagID: 1, Label: "Toyota", Confidence: 0.9, Provenance: ProvenanceAuto}}, nil))
	require.NoError(t, store.CreateReviewTask(&ReviewTask{
		ImageID: "IMG-002", Categories: `["angle"]`, CategoryKey: "angle", Status: ReviewStatusPending,
	}))

	stats, err := store.Statistics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalImages)
	assert.Equal(t, int64(2), stats.ImagesByBrand["Toyota"])
	assert.Equal(t, int64(1), stats.AssignmentsByCategory["brand"])
	assert.Equal(t, int64(1), stats.PendingReviewTasks)
}
