package classifier

import (
	"github.com/cartag/cartag-go/internal/conf"
	"github.com/cartag/cartag-go/internal/errors"
)

// NewScorer builds the scorer selected by the settings.
func NewScorer(settings *conf.ScorerSettings) (Scorer, error) {
	switch settings.Provider {
	case "remote":
		cfg := DefaultRemoteConfig()
		cfg.BaseURL = settings.Endpoint
		cfg.APIKey = settings.APIKey
		if settings.Timeout > 0 {
			cfg.Timeout = settings.Timeout
		}
		if settings.CacheTTL > 0 {
			cfg.CacheTTL = settings.CacheTTL
		}
		if settings.RequestsPerSecond > 0 {
			cfg.RequestsPerSecond = settings.RequestsPerSecond
		}
		return NewRemoteScorer(cfg)
	case "gemini":
		return NewGeminiScorer(settings.GeminiModel), nil
	default:
		return nil, errors.Newf("unknown scorer provider %q", settings.Provider).
			Component("classifier").
			Category(errors.CategoryConfiguration).
			Build()
	}
}
