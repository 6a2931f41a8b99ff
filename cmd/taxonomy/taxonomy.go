// Package taxonomy implements the label set inspection command.
package taxonomy

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/datastore"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// Command creates the taxonomy command for listing and seeding label sets.
func Command(settings *conf.Settings) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "List the tagging categories and their label sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaxonomy(settings, seed)
		},
	}

	cmd.Flags().BoolVar(&seed, "seed", false, "Also seed the label store with the definitions")

	return cmd
}

func runTaxonomy(settings *conf.Settings, seed bool) error {
	registry := taxonomy.NewRegistry()

	for _, category := range registry.Categories() {
		labels, err := registry.Labels(category)
		if err != nil {
			return err
		}
		traits := ""
		if registry.IsMultiLabel(category) {
			traits += " multi-label"
		}
		if !registry.IsGated(category) {
			traits += " ungated"
		}
		fmt.Printf("%s (%d labels%s): %s\n", category, len(labels), traits, registry.Description(category))
		for _, label := range labels {
			fmt.Printf("  %s\n", label)
		}
	}

	if !seed {
		return nil
	}

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no label store enabled in settings")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening label store: %w", err)
	}
	defer store.Close()

	if err := datastore.Seed(store, registry); err != nil {
		return err
	}
	fmt.Println("Label store seeded")
	return nil
}
