// Package cmd assembles the command line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cartag/cartag-go/cmd/export"
	"github.com/cartag/cartag-go/cmd/review"
	"github.com/cartag/cartag-go/cmd/tag"
	"github.com/cartag/cartag-go/cmd/taxonomy"
	"github.com/cartag/cartag-go/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cartag",
		Short: "Confidence-driven car image annotation",
		Long: `cartag scores car images across the tagging categories with a
zero-shot vision-language model, auto-accepts the confident predictions
and queues the rest for human review.`,
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		tag.Command(settings),
		export.Command(settings),
		review.Command(settings),
		taxonomy.Command(settings),
	)

	return rootCmd
}

// setupFlags configures the global flags for the root command.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
}
