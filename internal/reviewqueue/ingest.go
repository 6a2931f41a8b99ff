package reviewqueue

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// Correction is one reviewer verdict for an (image, category) slot.
type Correction struct {
	ImageID    string   `json:"image_id"`
	Category   string   `json:"category"`
	Labels     []string `json:"labels"`
	ReviewerID string   `json:"reviewer_id"`
}

// CorrectionFile is the envelope annotators send back.
type CorrectionFile struct {
	Corrections []Correction `json:"corrections"`
}

// Applier writes manual annotations. Satisfied by the reconciler.
type Applier interface {
	ApplyManual(imageID string, category taxonomy.Category, labels []string, reviewerID string) error
}

// IngestSummary reports the outcome of one correction batch.
type IngestSummary struct {
	Applied int
	Failed  int
}

// Ingestor applies reviewer corrections through the manual write path.
type Ingestor struct {
	applier Applier
}

// NewIngestor creates a correction ingestor.
func NewIngestor(applier Applier) *Ingestor {
	return &Ingestor{applier: applier}
}

// IngestFile reads a correction file and applies each record. A failing
// record is logged and counted; it never aborts the rest of the batch.
func (in *Ingestor) IngestFile(path string) (IngestSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IngestSummary{}, errors.New(fmt.Errorf("reading corrections file %s: %w", path, err)).
			Component("reviewqueue").
			Category(errors.CategoryFileIO).
			Build()
	}

	corrections, err := parseCorrections(data)
	if err != nil {
		return IngestSummary{}, err
	}
	return in.Apply(corrections), nil
}

// Apply hands each correction to the reconciler and tallies the outcome.
func (in *Ingestor) Apply(corrections []Correction) IngestSummary {
	var summary IngestSummary
	for i := range corrections {
		c := &corrections[i]
		err := in.applier.ApplyManual(c.ImageID, taxonomy.Category(c.Category), c.Labels, c.ReviewerID)
		if err != nil {
			summary.Failed++
			logger.Error("correction rejected",
				"image_id", c.ImageID,
				"category", c.Category,
				"reviewer_id", c.ReviewerID,
				"error", err)
			continue
		}
		summary.Applied++
		logger.Info("correction applied",
			"image_id", c.ImageID,
			"category", c.Category,
			"labels", c.Labels,
			"reviewer_id", c.ReviewerID)
	}
	return summary
}

// parseCorrections accepts either the enveloped form or a bare JSON array
// of correction records.
func parseCorrections(data []byte) ([]Correction, error) {
	var file CorrectionFile
	if err := json.Unmarshal(data, &file); err == nil && file.Corrections != nil {
		return file.Corrections, nil
	}

	var bare []Correction
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, errors.New(fmt.Errorf("parsing corrections: %w", err)).
			Component("reviewqueue").
			Category(errors.CategoryReviewIngest).
			Build()
	}
	return bare, nil
}
