// Package review implements the correction ingest command.
package review

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/reconciler"
	"github.com/cartag/cartag-go/internal/reviewqueue"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// Command creates the review command for applying reviewer corrections.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "review [corrections.json]",
		Short: "Apply reviewer corrections to the label store",
		Long: `Read a corrections file produced by annotators and write each
verdict with manual provenance. Manual labels take precedence over later
automatic scores.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(settings, args[0])
		},
	}
}

func runReview(settings *conf.Settings, path string) error {
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

	ingestor := reviewqueue.NewIngestor(reconciler.New(store, registry, settings.Main.Name))
	summary, err := ingestor.IngestFile(path)
	if err != nil {
		return err
	}

	fmt.Printf("Applied %d corrections, %d rejected\n", summary.Applied, summary.Failed)
	return nil
}
