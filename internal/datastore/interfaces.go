// interfaces.go: this code defines the interface for the label store operations
package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/errors"
)

// Interface abstracts the underlying database implementation and defines
// the label store operations.
type Interface interface {
	Open() error
	Close() error

	// images
	SaveImage(image *Image) error
	GetImage(imageID string) (Image, error)
	SearchImages(filters ImageFilters) ([]Image, error)
	Statistics() (Statistics, error)

	// taxonomy
	SeedTags(tags []TagDefinition) error
	GetTag(category, name string) (TagDefinition, error)
	TagsByCategory(category string) ([]TagDefinition, error)

	// assignments; ReplaceAssignments is the only write path and is owned
	// by the reconciler
	CurrentAssignments(imageID, category string) ([]ImageTagAssignment, error)
	AllCurrentAssignments(imageID string) ([]ImageTagAssignment, error)
	ReplaceAssignments(imageID, category string, assignments []ImageTagAssignment, event *AnnotationEvent) error
	SearchAssignments(filters AssignmentFilters) ([]ImageTagAssignment, error)

	// annotation history
	EventsForImage(imageID string) ([]AnnotationEvent, error)

	// review tasks
	CreateReviewTask(task *ReviewTask) error
	FindReviewTask(imageID, categoryKey string, statuses ...string) (*ReviewTask, error)
	PendingReviewTasks(limit int) ([]ReviewTask, error)
	MarkTasksExported(ids []uint) error
	ResolveReviewTasks(imageID, category string) (int64, error)
}

// ImageFilters narrows SearchImages results; zero fields are ignored.
type ImageFilters struct {
	Brand  string
	Source string
	Year   string
	Limit  int
	Offset int
}

// AssignmentFilters narrows SearchAssignments results; zero fields are
// ignored. Only current assignments are returned.
type AssignmentFilters struct {
	Category string
	Label    string
	Brand    string // joins through the images table
	Limit    int
	Offset   int
}

// Statistics summarizes store contents for reporting.
type Statistics struct {
	TotalImages        int64
	ImagesByBrand      map[string]int64
	AssignmentsByCategory map[string]int64
	PendingReviewTasks int64
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a store instance for the backend enabled in settings.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// SaveImage inserts or updates an image record keyed by its external id.
func (ds *DataStore) SaveImage(image *Image) error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	var existing Image
	err := ds.DB.Where("image_id = ?", image.ImageID).First(&existing).Error
	switch {
	case err == nil:
		image.ID = existing.ID
		image.CreatedAt = existing.CreatedAt
		return ds.DB.Save(image).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ds.DB.Create(image).Error
	default:
		return fmt.Errorf("looking up image %s: %w", image.ImageID, err)
	}
}

// GetImage fetches one image by its external id.
func (ds *DataStore) GetImage(imageID string) (Image, error) {
	var image Image
	if err := ds.DB.Where("image_id = ?", imageID).First(&image).Error; err != nil {
		return Image{}, fmt.Errorf("getting image %s: %w", imageID, err)
	}
	return image, nil
}

// SearchImages returns images matching the filters, newest first.
func (ds *DataStore) SearchImages(filters ImageFilters) ([]Image, error) {
	query := ds.DB.Model(&Image{})
	if filters.Brand != "" {
		query = query.Where("brand = ?", filters.Brand)
	}
	if filters.Source != "" {
		query = query.Where("source = ?", filters.Source)
	}
	if filters.Year != "" {
		query = query.Where("year = ?", filters.Year)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var images []Image
	if err := query.Order("created_at DESC").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("searching images: %w", err)
	}
	return images, nil
}

// Statistics reports aggregate counts over the store.
func (ds *DataStore) Statistics() (Statistics, error) {
	stats := Statistics{
		ImagesByBrand:         make(map[string]int64),
		AssignmentsByCategory: make(map[string]int64),
	}

	if err := ds.DB.Model(&Image{}).Count(&stats.TotalImages).Error; err != nil {
		return stats, fmt.Errorf("counting images: %w", err)
	}

	type pair struct {
		Name  string
		Count int64
	}
	var brandRows []pair
	if err := ds.DB.Model(&Image{}).
		Select("brand AS name, COUNT(*) AS count").
		Group("brand").
		Scan(&brandRows).Error; err != nil {
		return stats, fmt.Errorf("counting images by brand: %w", err)
	}
	for _, row := range brandRows {
		stats.ImagesByBrand[row.Name] = row.Count
	}

	var categoryRows []pair
	if err := ds.DB.Model(&ImageTagAssignment{}).
		Select("category AS name, COUNT(*) AS count").
		Where("current = ?", true).
		Group("category").
		Scan(&categoryRows).Error; err != nil {
		return stats, fmt.Errorf("counting assignments by category: %w", err)
	}
	for _, row := range categoryRows {
		stats.AssignmentsByCategory[row.Name] = row.Count
	}

	if err := ds.DB.Model(&ReviewTask{}).
		Where("status = ?", ReviewStatusPending).
		Count(&stats.PendingReviewTasks).Error; err != nil {
		return stats, fmt.Errorf("counting pending review tasks: %w", err)
	}

	return stats, nil
}

// SeedTags inserts missing tag definitions; existing ones are left as-is.
func (ds *DataStore) SeedTags(tags []TagDefinition) error {
	for i := range tags {
		var existing TagDefinition
		err := ds.DB.Where("category = ? AND name = ?", tags[i].Category, tags[i].Name).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("looking up tag %s/%s: %w", tags[i].Category, tags[i].Name, err)
		}
		if err := ds.DB.Create(&tags[i]).Error; err != nil {
			return fmt.Errorf("creating tag %s/%s: %w", tags[i].Category, tags[i].Name, err)
		}
	}
	return nil
}

// GetTag fetches one tag definition by category and name.
func (ds *DataStore) GetTag(category, name string) (TagDefinition, error) {
	var tag TagDefinition
	if err := ds.DB.Where("category = ? AND name = ?", category, name).First(&tag).Error; err != nil {
		return TagDefinition{}, fmt.Errorf("getting tag %s/%s: %w", category, name, err)
	}
	return tag, nil
}

// TagsByCategory returns all tag definitions in a category.
func (ds *DataStore) TagsByCategory(category string) ([]TagDefinition, error) {
	var tags []TagDefinition
	if err := ds.DB.Where("category = ?", category).Order("id").Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("listing tags for category %s: %w", category, err)
	}
	return tags, nil
}

// CurrentAssignments returns the current assignments for one (image,
// category) slot.
func (ds *DataStore) CurrentAssignments(imageID, category string) ([]ImageTagAssignment, error) {
	var assignments []ImageTagAssignment
	err := ds.DB.Where("image_id = ? AND category = ? AND current = ?", imageID, category, true).
		Order("confidence DESC").
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("getting current assignments for %s/%s: %w", imageID, category, err)
	}
	return assignments, nil
}

// AllCurrentAssignments returns every current assignment for an image
// across categories.
func (ds *DataStore) AllCurrentAssignments(imageID string) ([]ImageTagAssignment, error) {
	var assignments []ImageTagAssignment
	err := ds.DB.Where("image_id = ? AND current = ?", imageID, true).
		Order("category, confidence DESC").
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("getting assignments for %s: %w", imageID, err)
	}
	return assignments, nil
}

// ReplaceAssignments supersedes the current assignments for one (image,
// category) slot and appends the annotation event, all in one transaction.
// Prior rows are kept with Current=false, never deleted.
func (ds *DataStore) ReplaceAssignments(imageID, category string, assignments []ImageTagAssignment, event *AnnotationEvent) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Model(&ImageTagAssignment{}).
			Where("image_id = ? AND category = ? AND current = ?", imageID, category, true).
			Updates(map[string]any{"current": false, "superseded_at": now}).Error; err != nil {
			return fmt.Errorf("superseding assignments for %s/%s: %w", imageID, category, err)
		}

		for i := range assignments {
			assignments[i].ImageID = imageID
			assignments[i].Category = category
			assignments[i].Current = true
			if err := tx.Create(&assignments[i]).Error; err != nil {
				return fmt.Errorf("creating assignment %s/%s/%s: %w", imageID, category, assignments[i].Label, err)
			}
		}

		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return fmt.Errorf("appending annotation event for %s/%s: %w", imageID, category, err)
			}
		}
		return nil
	})
}

// SearchAssignments returns current assignments matching the filters.
func (ds *DataStore) SearchAssignments(filters AssignmentFilters) ([]ImageTagAssignment, error) {
	query := ds.DB.Model(&ImageTagAssignment{}).Where("image_tag_assignments.current = ?", true)
	if filters.Category != "" {
		query = query.Where("image_tag_assignments.category = ?", filters.Category)
	}
	if filters.Label != "" {
		query = query.Where("image_tag_assignments.label = ?", filters.Label)
	}
	if filters.Brand != "" {
		query = query.Joins("JOIN images ON images.image_id = image_tag_assignments.image_id").
			Where("images.brand = ?", filters.Brand)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var assignments []ImageTagAssignment
	if err := query.Order("image_tag_assignments.created_at DESC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("searching assignments: %w", err)
	}
	return assignments, nil
}

// EventsForImage returns the full annotation history for an image, oldest
// first.
func (ds *DataStore) EventsForImage(imageID string) ([]AnnotationEvent, error) {
	var events []AnnotationEvent
	if err := ds.DB.Where("image_id = ?", imageID).Order("id").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("getting events for %s: %w", imageID, err)
	}
	return events, nil
}

// CreateReviewTask inserts a new review task.
func (ds *DataStore) CreateReviewTask(task *ReviewTask) error {
	if err := ds.DB.Create(task).Error; err != nil {
		return fmt.Errorf("creating review task for %s: %w", task.ImageID, err)
	}
	return nil
}

// FindReviewTask looks for a task for the same image and category set in
// any of the given statuses. Returns nil when no task matches.
func (ds *DataStore) FindReviewTask(imageID, categoryKey string, statuses ...string) (*ReviewTask, error) {
	var task ReviewTask
	err := ds.DB.Where("image_id = ? AND category_key = ? AND status IN ?", imageID, categoryKey, statuses).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding review task for %s: %w", imageID, err)
	}
	return &task, nil
}

// PendingReviewTasks returns PENDING tasks, oldest first, capped at limit
// when limit > 0.
func (ds *DataStore) PendingReviewTasks(limit int) ([]ReviewTask, error) {
	query := ds.DB.Where("status = ?", ReviewStatusPending).Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tasks []ReviewTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing pending review tasks: %w", err)
	}
	return tasks, nil
}

// MarkTasksExported transitions tasks to EXPORTED.
func (ds *DataStore) MarkTasksExported(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	err := ds.DB.Model(&ReviewTask{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": ReviewStatusExported, "exported_at": now}).Error
	if err != nil {
		return fmt.Errorf("marking tasks exported: %w", err)
	}
	return nil
}

// ResolveReviewTasks marks any open task for the image that flags the
// given category as RESOLVED. Returns the number of tasks resolved.
func (ds *DataStore) ResolveReviewTasks(imageID, category string) (int64, error) {
	now := time.Now()
	result := ds.DB.Model(&ReviewTask{}).
		Where("image_id = ? AND status IN ? AND categories LIKE ?",
			imageID,
			[]string{ReviewStatusPending, ReviewStatusExported},
			"%\""+category+"\"%").
		Updates(map[string]any{"status": ReviewStatusResolved, "resolved_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("resolving review tasks for %s/%s: %w", imageID, category, result.Error)
	}
	return result.RowsAffected, nil
}
