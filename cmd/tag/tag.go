// Package tag implements the batch annotation command.
package tag

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cartag/cartag-go/internal/classifier"
	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/decision"
	"github.com/cartag/cartag-go/internal/observability"
	"github.com/cartag/cartag-go/internal/pipeline"
	"github.com/cartag/cartag-go/internal/reconciler"
	"github.com/cartag/cartag-go/internal/reviewqueue"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// Command creates the tag command for annotating a batch of images.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag [images...]",
		Short: "Annotate a batch of car images",
		Long: `Score each image across the tagging categories, write the
confident labels to the store and queue the uncertain images for review.
Arguments are image files or directories to scan.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTag(cmd, settings, args)
		},
	}

	setupFlags(cmd, settings)

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.Flags().IntVarP(&settings.Pipeline.Workers, "workers", "w", settings.Pipeline.Workers, "Concurrent image workers")
	cmd.Flags().StringVar(&settings.Review.ExportPath, "review-output", settings.Review.ExportPath, "Path for the review queue JSON")
	cmd.Flags().IntVar(&settings.Review.MaxItems, "review-max", settings.Review.MaxItems, "Max samples per review export, 0 for unlimited")
}

func runTag(cmd *cobra.Command, settings *conf.Settings, args []string) error {
	images, err := collectImages(args)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("no images found in %v", args)
	}

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no label store enabled in settings")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening label store: %w", err)
	}
	defer store.Close()

	registry := taxonomy.NewRegistry()
	if err := datastore.Seed(store, registry); err != nil {
		return fmt.Errorf("seeding tag definitions: %w", err)
	}

	for i := range images {
		if err := store.SaveImage(&datastore.Image{
			ImageID: images[i].ID,
			Locator: images[i].Locator,
			Source:  "local",
		}); err != nil {
			return fmt.Errorf("registering image %s: %w", images[i].ID, err)
		}
	}

	scorer, err := classifier.NewScorer(&settings.Scorer)
	if err != nil {
		return err
	}

	obs, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	runner := pipeline.NewRunner(&pipeline.Config{
		Scorer:       scorer,
		Engine:       decision.NewEngine(registry, decision.PoliciesFromConfig(settings.Policies)),
		Registry:     registry,
		Reconciler:   reconciler.New(store, registry, settings.Main.Name),
		Queue:        reviewqueue.NewBuilder(store),
		Exporter:     reviewqueue.NewExporter(store, settings.Review.ExportPath, settings.Review.MaxItems),
		Metrics:      obs.Pipeline,
		Workers:      settings.Pipeline.Workers,
		ScoreTimeout: settings.Scorer.Timeout,
	})

	summary, err := runner.Run(cmd.Context(), images)
	if err != nil {
		return fmt.Errorf("batch run: %w", err)
	}

	fmt.Printf("Processed %d images: %d auto-accepted, %d queued for review, %d failed\n",
		summary.Processed, summary.AutoAccepted, summary.NeedsReview, summary.Failed)
	if summary.Conflicts > 0 {
		fmt.Printf("Skipped %d auto writes over manual labels\n", summary.Conflicts)
	}
	if summary.Exported > 0 {
		fmt.Printf("Review queue written to %s (%d samples)\n", settings.Review.ExportPath, summary.Exported)
	}
	return nil
}

// collectImages expands the arguments into image references. Directories
// are scanned one level deep for image files.
func collectImages(args []string) ([]classifier.ImageRef, error) {
	var images []classifier.ImageRef
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("reading input %s: %w", arg, err)
		}
		if !info.IsDir() {
			images = append(images, makeRef(arg))
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", arg, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isImageFile(entry.Name()) {
				continue
			}
			images = append(images, makeRef(filepath.Join(arg, entry.Name())))
		}
	}
	return images, nil
}

func makeRef(path string) classifier.ImageRef {
	base := filepath.Base(path)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	return classifier.ImageRef{ID: id, Locator: path}
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	default:
		return false
	}
}
