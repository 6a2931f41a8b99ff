// Package reconciler owns all writes to the canonical label store. It
// merges auto-accepted predictions and human corrections into current
// ImageTagAssignments while appending the AnnotationEvent history, and it
// enforces the manual-precedence invariant: once a slot is MANUAL, auto
// writes without the override flag are rejected.
package reconciler

import (
	"encoding/json"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/logging"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// confidenceEpsilon bounds the drift below which a re-scored confidence is
// considered unchanged for idempotence purposes.
const confidenceEpsilon = 1e-9

// LabelAssignment is one label with its confidence for the auto path.
type LabelAssignment struct {
	Label      string
	Confidence float64
}

// Reconciler serializes writes per (image, category) slot. Writes to
// different slots proceed in parallel.
type Reconciler struct {
	store    datastore.Interface
	registry *taxonomy.Registry
	actor    string // acting principal recorded on auto events
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*sync.Mutex
}

// New creates a reconciler writing through the given store. actor names
// the system principal recorded on AUTO annotation events.
func New(store datastore.Interface, registry *taxonomy.Registry, actor string) *Reconciler {
	return &Reconciler{
		store:    store,
		registry: registry,
		actor:    actor,
		logger:   logging.ForService("reconciler"),
		slots:    make(map[string]*sync.Mutex),
	}
}

// slotLock returns the mutex guarding one (image, category) slot.
func (r *Reconciler) slotLock(imageID string, category taxonomy.Category) *sync.Mutex {
	key := imageID + "\x00" + string(category)
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.slots[key]
	if !ok {
		lock = &sync.Mutex{}
		r.slots[key] = lock
	}
	return lock
}

// ApplyAuto writes or supersedes the current assignments for the slot with
// provenance AUTO. It is an idempotent no-op when the incoming label set
// and confidences match the current state. A MANUAL current assignment
// rejects the write unless override is set.
func (r *Reconciler) ApplyAuto(imageID string, category taxonomy.Category, labels []LabelAssignment, override bool) error {
	if len(labels) == 0 {
		return errors.Newf("no labels to apply: %w", errors.ErrValidation).
			Component("reconciler").
			Category(errors.CategoryValidation).
			ImageContext(imageID, string(category)).
			Build()
	}
	if !r.registry.IsMultiLabel(category) && len(labels) > 1 {
		return errors.Newf("category %s allows one current label, got %d: %w",
			category, len(labels), errors.ErrValidation).
			Component("reconciler").
			Category(errors.CategoryValidation).
			ImageContext(imageID, string(category)).
			Build()
	}
	for _, l := range labels {
		if err := r.registry.Validate(category, l.Label); err != nil {
			return err
		}
		if l.Confidence < 0 || l.Confidence > 1 {
			return errors.Newf("confidence %f out of range for label %q: %w",
				l.Confidence, l.Label, errors.ErrValidation).
				Component("reconciler").
				Category(errors.CategoryValidation).
				ImageContext(imageID, string(category)).
				Build()
		}
	}

	lock := r.slotLock(imageID, category)
	lock.Lock()
	defer lock.Unlock()

	current, err := r.store.CurrentAssignments(imageID, string(category))
	if err != nil {
		return errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			ImageContext(imageID, string(category)).
			Build()
	}

	for i := range current {
		if current[i].Provenance == datastore.ProvenanceManual && !override {
			r.logger.Warn("auto write rejected, slot is manually labeled",
				"image_id", imageID, "category", category)
			return errors.Newf("slot %s/%s holds a manual label: %w",
				imageID, category, errors.ErrProvenanceConflict).
				Component("reconciler").
				Category(errors.CategoryProvenance).
				ImageContext(imageID, string(category)).
				Build()
		}
	}

	if unchangedAuto(current, labels) {
		return nil
	}

	assignments := make([]datastore.ImageTagAssignment, 0, len(labels))
	newNames := make([]string, 0, len(labels))
	for _, l := range labels {
		tagID, err := r.resolveTag(category, l.Label)
		if err != nil {
			return err
		}
		assignments = append(assignments, datastore.ImageTagAssignment{
			TagID:      tagID,
			Label:      l.Label,
			Confidence: l.Confidence,
			Provenance: datastore.ProvenanceAuto,
		})
		newNames = append(newNames, l.Label)
	}

	event := r.buildEvent(imageID, category, r.actor, datastore.ProvenanceAuto, labelNames(current), newNames)
	if err := r.store.ReplaceAssignments(imageID, string(category), assignments, event); err != nil {
		return errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			ImageContext(imageID, string(category)).
			Build()
	}

	r.logger.Info("auto labels applied",
		"image_id", imageID, "category", category, "labels", newNames, "override", override)
	return nil
}

// ApplyManual writes or supersedes the slot with provenance MANUAL and
// confidence fixed at 1.0, then resolves any open review task flagging the
// category. Manual writes always take precedence.
func (r *Reconciler) ApplyManual(imageID string, category taxonomy.Category, labels []string, reviewerID string) error {
	if len(labels) == 0 {
		return errors.Newf("no labels to apply: %w", errors.ErrValidation).
			Component("reconciler").
			Category(errors.CategoryValidation).
			ImageContext(imageID, string(category)).
			Build()
	}
	if reviewerID == "" {
		return errors.Newf("reviewer id is required for manual labels: %w", errors.ErrValidation).
			Component("reconciler").
			Category(errors.CategoryValidation).
			ImageContext(imageID, string(category)).
			Build()
	}
	if !r.registry.IsMultiLabel(category) && len(labels) > 1 {
		return errors.Newf("category %s allows one current label, got %d: %w",
			category, len(labels), errors.ErrValidation).
			Component("reconciler").
			Category(errors.CategoryValidation).
			ImageContext(imageID, string(category)).
			Build()
	}
	for _, label := range labels {
		if err := r.registry.Validate(category, label); err != nil {
			return err
		}
	}

	lock := r.slotLock(imageID, category)
	lock.Lock()
	defer lock.Unlock()

	current, err := r.store.CurrentAssignments(imageID, string(category))
	if err != nil {
		return errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			ImageContext(imageID, string(category)).
			Build()
	}

	assignments := make([]datastore.ImageTagAssignment, 0, len(labels))
	for _, label := range labels {
		tagID, err := r.resolveTag(category, label)
		if err != nil {
			return err
		}
		assignments = append(assignments, datastore.ImageTagAssignment{
			TagID:      tagID,
			Label:      label,
			Confidence: 1.0,
			Provenance: datastore.ProvenanceManual,
		})
	}

	event := r.buildEvent(imageID, category, reviewerID, datastore.ProvenanceManual, labelNames(current), labels)
	if err := r.store.ReplaceAssignments(imageID, string(category), assignments, event); err != nil {
		return errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			ImageContext(imageID, string(category)).
			Build()
	}

	resolved, err := r.store.ResolveReviewTasks(imageID, string(category))
	if err != nil {
		return errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			ImageContext(imageID, string(category)).
			Build()
	}

	r.logger.Info("manual labels applied",
		"image_id", imageID, "category", category, "labels", labels,
		"reviewer", reviewerID, "tasks_resolved", resolved)
	return nil
}

// resolveTag finds the tag definition id for a label, creating the
// definition on the fly for open-vocabulary categories.
func (r *Reconciler) resolveTag(category taxonomy.Category, label string) (uint, error) {
	tag, err := r.store.GetTag(string(category), label)
	if err == nil {
		return tag.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			Context("category", string(category)).
			Context("label", label).
			Build()
	}

	if err := r.store.SeedTags([]datastore.TagDefinition{
		{Name: label, Category: string(category)},
	}); err != nil {
		return 0, errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			Context("category", string(category)).
			Context("label", label).
			Build()
	}
	tag, err = r.store.GetTag(string(category), label)
	if err != nil {
		return 0, errors.New(err).
			Component("reconciler").
			Category(errors.CategoryDatabase).
			Context("category", string(category)).
			Context("label", label).
			Build()
	}
	return tag.ID, nil
}

func (r *Reconciler) buildEvent(imageID string, category taxonomy.Category, actor, provenance string, oldLabels, newLabels []string) *datastore.AnnotationEvent {
	return &datastore.AnnotationEvent{
		EventID:    uuid.NewString(),
		ImageID:    imageID,
		Category:   string(category),
		Actor:      actor,
		Provenance: provenance,
		OldLabels:  marshalLabels(oldLabels),
		NewLabels:  marshalLabels(newLabels),
	}
}

// unchangedAuto reports whether the incoming auto labels match the current
// slot state, making the write a no-op.
func unchangedAuto(current []datastore.ImageTagAssignment, incoming []LabelAssignment) bool {
	if len(current) != len(incoming) {
		return false
	}
	byLabel := make(map[string]float64, len(current))
	for i := range current {
		if current[i].Provenance != datastore.ProvenanceAuto {
			return false
		}
		byLabel[current[i].Label] = current[i].Confidence
	}
	for _, l := range incoming {
		confidence, ok := byLabel[l.Label]
		if !ok || math.Abs(confidence-l.Confidence) > confidenceEpsilon {
			return false
		}
	}
	return true
}

func labelNames(assignments []datastore.ImageTagAssignment) []string {
	names := make([]string, 0, len(assignments))
	for i := range assignments {
		names = append(names, assignments[i].Label)
	}
	return names
}

func marshalLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	sorted := slices.Clone(labels)
	slices.Sort(sorted)
	data, _ := json.Marshal(sorted)
	return string(data)
}
