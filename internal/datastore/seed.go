package datastore

import (
	"fmt"

	"github.com/cartag/cartag-go/internal/taxonomy"
)

// Seed inserts the registry's label sets as tag definitions. Existing
// definitions are left untouched, so it is safe to run on every start.
func Seed(store Interface, registry *taxonomy.Registry) error {
	for _, category := range registry.Categories() {
		labels, err := registry.Labels(category)
		if err != nil {
			return fmt.Errorf("reading labels for %s: %w", category, err)
		}
		tags := make([]TagDefinition, 0, len(labels))
		for _, label := range labels {
			tags = append(tags, TagDefinition{
				Name:        label,
				Category:    string(category),
				Description: registry.Description(category),
			})
		}
		if err := store.SeedTags(tags); err != nil {
			return fmt.Errorf("seeding tags for %s: %w", category, err)
		}
	}
	return nil
}
