// model.go this code defines the data model for the label store
package datastore

import "time"

// Provenance marks whether a label assignment originated from the
// automated scorer or from human review.
const (
	ProvenanceAuto   = "AUTO"
	ProvenanceManual = "MANUAL"
)

// ReviewTask status values.
const (
	ReviewStatusPending  = "PENDING"
	ReviewStatusExported = "EXPORTED"
	ReviewStatusResolved = "RESOLVED"
)

// Image represents one ingested car photo. Immutable once created except
// for metadata corrections; never deleted while referenced by labels.
type Image struct {
	ID        uint   `gorm:"primaryKey"`
	ImageID   string `gorm:"uniqueIndex;not null"` // stable external identifier
	Source    string `gorm:"index:idx_images_source"`
	Locator   string `gorm:"index;not null"` // origin-system path or URL
	Brand     string `gorm:"index:idx_images_brand"`
	Model     string
	Year      string
	Width     int
	Height    int
	FileSize  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TagDefinition is one label within a category. Name is unique within its
// category; definitions are never deleted while referenced.
type TagDefinition struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex:idx_tags_name_category;not null"`
	Category    string `gorm:"uniqueIndex:idx_tags_name_category;index:idx_tags_category;not null"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
}

// ImageTagAssignment relates one Image to one TagDefinition. Corrections
// supersede rather than delete: the prior row keeps Current=false and a
// SupersededAt timestamp so history is never lost.
type ImageTagAssignment struct {
	ID           uint   `gorm:"primaryKey"`
	ImageID      string `gorm:"index:idx_assignments_image;index:idx_assignments_slot,priority:1;not null"`
	TagID        uint   `gorm:"index;not null"`
	Category     string `gorm:"index:idx_assignments_slot,priority:2;not null"`
	Label        string `gorm:"index:idx_assignments_label"` // denormalized tag name
	Confidence   float64
	Provenance   string `gorm:"type:varchar(10);not null"`
	Current      bool   `gorm:"index:idx_assignments_slot,priority:3"`
	CreatedAt    time.Time
	SupersededAt *time.Time
}

// AnnotationEvent is the append-only change record for one (image,
// category) slot: who changed it, from what label set to what label set,
// and when. Never mutated or deleted.
type AnnotationEvent struct {
	ID         uint   `gorm:"primaryKey"`
	EventID    string `gorm:"uniqueIndex;not null"`
	ImageID    string `gorm:"index:idx_events_image;not null"`
	Category   string `gorm:"index:idx_events_category;not null"`
	Actor      string `gorm:"not null"` // system node name or reviewer id
	Provenance string `gorm:"type:varchar(10);not null"`
	OldLabels  string `gorm:"type:text"` // JSON array of label names
	NewLabels  string `gorm:"type:text"` // JSON array of label names
	CreatedAt  time.Time `gorm:"index"`
}

// ReviewTask is one image routed to human review, carrying the flagged
// categories and their full probability vectors for reviewer context.
type ReviewTask struct {
	ID          uint   `gorm:"primaryKey"`
	ImageID     string `gorm:"index:idx_review_tasks_image;not null"`
	Categories  string `gorm:"type:text;not null"`            // JSON array of flagged categories
	CategoryKey string `gorm:"index:idx_review_tasks_key"`    // canonical joined category list, used for dedupe
	Vectors     string `gorm:"type:text"`                     // JSON category -> label -> probability
	Entropy     float64 // highest normalized entropy among flagged categories, used for ranking
	Status      string `gorm:"type:varchar(10);index;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExportedAt  *time.Time
	ResolvedAt  *time.Time
}
