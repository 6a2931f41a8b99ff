package reviewqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/errors"
)

// QueueFile is the on-disk review queue handed to annotators.
type QueueFile struct {
	Metadata Metadata `json:"metadata"`
	Samples  []Sample `json:"samples"`
}

// Metadata describes the export batch.
type Metadata struct {
	Source      string    `json:"source"`
	Count       int       `json:"count"`
	MaxItems    int       `json:"max_items"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Sample is one image awaiting review: the flagged categories, the
// scorer's full probability vectors, and the best candidate per category
// so a reviewer can confirm with one glance.
type Sample struct {
	ImageID    string                        `json:"image_id"`
	ImagePath  string                        `json:"image_path"`
	Categories []string                      `json:"categories"`
	Entropy    float64                       `json:"entropy"`
	Best       map[string]BestCandidate      `json:"best"`
	Vectors    map[string]map[string]float64 `json:"vectors"`
}

// BestCandidate is the arg-max label of one category's vector.
type BestCandidate struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Exporter snapshots pending review tasks into a queue file. Export is a
// single-writer operation: concurrent calls serialize on the mutex so two
// batches never interleave writes to the same file.
type Exporter struct {
	store    datastore.Interface
	path     string
	maxItems int

	mu sync.Mutex
}

// NewExporter creates an exporter writing to path, emitting at most
// maxItems samples per export (0 means unlimited).
func NewExporter(store datastore.Interface, path string, maxItems int) *Exporter {
	return &Exporter{store: store, path: path, maxItems: maxItems}
}

// Export writes the highest-entropy pending tasks to the queue file and
// marks them EXPORTED. Tasks already EXPORTED are excluded until they are
// re-queued. Returns the number of samples written.
func (e *Exporter) Export() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks, err := e.store.PendingReviewTasks(0)
	if err != nil {
		return 0, errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryReviewExport).
			Build()
	}

	// Most ambiguous first; ties keep insertion order.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Entropy > tasks[j].Entropy
	})
	if e.maxItems > 0 && len(tasks) > e.maxItems {
		tasks = tasks[:e.maxItems]
	}

	queue := QueueFile{
		Metadata: Metadata{
			Source:      "cartag",
			Count:       len(tasks),
			MaxItems:    e.maxItems,
			GeneratedAt: time.Now().UTC(),
		},
		Samples: make([]Sample, 0, len(tasks)),
	}

	ids := make([]uint, 0, len(tasks))
	for i := range tasks {
		queue.Samples = append(queue.Samples, e.buildSample(&tasks[i]))
		ids = append(ids, tasks[i].ID)
	}

	if err := e.writeFile(&queue); err != nil {
		return 0, err
	}

	if err := e.store.MarkTasksExported(ids); err != nil {
		return 0, errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryReviewExport).
			Build()
	}

	logger.Info("review queue exported", "path", e.path, "samples", len(tasks))
	return len(tasks), nil
}

func (e *Exporter) buildSample(task *datastore.ReviewTask) Sample {
	sample := Sample{
		ImageID: task.ImageID,
		Entropy: task.Entropy,
		Best:    make(map[string]BestCandidate),
	}

	if img, err := e.store.GetImage(task.ImageID); err == nil {
		sample.ImagePath = img.Locator
	}

	if err := json.Unmarshal([]byte(task.Categories), &sample.Categories); err != nil {
		logger.Warn("review task has malformed category list",
			"task_id", task.ID, "error", err)
	}
	if task.Vectors != "" {
		if err := json.Unmarshal([]byte(task.Vectors), &sample.Vectors); err != nil {
			logger.Warn("review task has malformed vectors",
				"task_id", task.ID, "error", err)
		}
	}

	for category, vector := range sample.Vectors {
		best := BestCandidate{}
		for label, score := range vector {
			if best.Label == "" || score > best.Score {
				best = BestCandidate{Label: label, Score: score}
			}
		}
		if best.Label != "" {
			sample.Best[category] = best
		}
	}
	return sample
}

// writeFile writes the queue atomically: a temp file in the target
// directory renamed over the destination, so readers never see a partial
// queue.
func (e *Exporter) writeFile(queue *QueueFile) error {
	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(fmt.Errorf("creating export directory %s: %w", dir, err)).
			Component("reviewqueue").
			Category(errors.CategoryFileIO).
			Build()
	}

	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryReviewExport).
			Build()
	}

	tmp, err := os.CreateTemp(dir, "review_queue-*.json")
	if err != nil {
		return errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryFileIO).
			Build()
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return errors.New(err).
			Component("reviewqueue").
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}
