// Package export implements the review queue export command.
package export

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/reviewqueue"
)

// Command creates the export command for writing the review queue file.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write pending review tasks to the review queue file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(settings)
		},
	}

	cmd.Flags().StringVarP(&settings.Review.ExportPath, "output", "o", settings.Review.ExportPath, "Path for the review queue JSON")
	cmd.Flags().IntVar(&settings.Review.MaxItems, "max-items", settings.Review.MaxItems, "Max samples to emit, 0 for unlimited")

	return cmd
}

func runExport(settings *conf.Settings) error {
	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no label store enabled in settings")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening label store: %w", err)
	}
	defer store.Close()

	exporter := reviewqueue.NewExporter(store, settings.Review.ExportPath, settings.Review.MaxItems)
	count, err := exporter.Export()
	if err != nil {
		return err
	}

	fmt.Printf("Review queue written to %s (%d samples)\n", settings.Review.ExportPath, count)
	return nil
}
