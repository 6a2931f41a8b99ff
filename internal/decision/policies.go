package decision

import (
	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// PoliciesFromConfig converts the configured per-category thresholds into
// a policy set.
func PoliciesFromConfig(policies map[string]conf.PolicySettings) PolicySet {
	set := make(PolicySet, len(policies))
	for name, p := range policies {
		set[taxonomy.Category(name)] = Policy{
			MinConfidence:  p.MinConfidence,
			MinMargin:      p.MinMargin,
			MaxEntropy:     p.MaxEntropy,
			LabelThreshold: p.LabelThreshold,
		}
	}
	return set
}
