package conf

import (
	"errors"
	"fmt"
)

// ValidateSettings checks the loaded settings for inconsistencies before
// any component is constructed from them.
func ValidateSettings(settings *Settings) error {
	var errs []error

	switch settings.Scorer.Provider {
	case "remote":
		if settings.Scorer.Endpoint == "" {
			errs = append(errs, errors.New("scorer.endpoint is required for the remote provider"))
		}
	case "gemini":
		// API key is read from the environment at call time.
	default:
		errs = append(errs, fmt.Errorf("unknown scorer.provider %q, want remote or gemini", settings.Scorer.Provider))
	}

	if settings.Scorer.Timeout <= 0 {
		errs = append(errs, errors.New("scorer.timeout must be positive"))
	}
	if settings.Scorer.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("scorer.requestspersecond must not be negative"))
	}

	if settings.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}

	for category, policy := range settings.Policies {
		if err := validatePolicy(category, policy); err != nil {
			errs = append(errs, err)
		}
	}

	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		errs = append(errs, errors.New("no label store enabled, enable output.sqlite or output.mysql"))
	}
	if settings.Output.SQLite.Enabled && settings.Output.SQLite.Path == "" {
		errs = append(errs, errors.New("output.sqlite.path is required"))
	}

	return errors.Join(errs...)
}

func validatePolicy(category string, policy PolicySettings) error {
	checks := map[string]float64{
		"minconfidence":  policy.MinConfidence,
		"minmargin":      policy.MinMargin,
		"maxentropy":     policy.MaxEntropy,
		"labelthreshold": policy.LabelThreshold,
	}
	for name, value := range checks {
		if value < 0 || value > 1 {
			return fmt.Errorf("policies.%s.%s must be in [0,1], got %f", category, name, value)
		}
	}
	return nil
}
