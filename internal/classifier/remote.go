package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// RemoteConfig holds settings for the remote scoring endpoint.
type RemoteConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	CacheTTL          time.Duration
	RequestsPerSecond float64
}

// DefaultRemoteConfig returns sensible defaults for the remote scorer.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout:           30 * time.Second,
		CacheTTL:          15 * time.Minute,
		RequestsPerSecond: 4,
	}
}

// RemoteScorer calls a vision-language model serving endpoint over HTTP.
// Results are cached per (image, category) so idempotent batch re-runs do
// not re-score unchanged images, and requests are rate limited to respect
// the serving side's throughput limits.
type RemoteScorer struct {
	config     RemoteConfig
	httpClient *http.Client
	cache      *cache.Cache
	limiter    *rate.Limiter
}

// NewRemoteScorer creates a scorer client for the configured endpoint.
func NewRemoteScorer(config RemoteConfig) (*RemoteScorer, error) {
	if config.BaseURL == "" {
		return nil, errors.Newf("scorer base URL is required").
			Category(errors.CategoryConfiguration).
			Component("classifier").
			Build()
	}
	defaults := DefaultRemoteConfig()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}

	scorer := &RemoteScorer{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cache:   cache.New(config.CacheTTL, config.CacheTTL*2),
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}

	logger.Info("remote scorer initialized",
		"base_url", config.BaseURL,
		"timeout", config.Timeout,
		"cache_ttl", config.CacheTTL,
		"requests_per_second", config.RequestsPerSecond)

	return scorer, nil
}

// scoreRequest is the wire format sent to the serving endpoint.
type scoreRequest struct {
	ImageID string   `json:"image_id"`
	Locator string   `json:"image_locator"`
	Labels  []string `json:"labels"`
}

// scoreResponse is the wire format returned by the serving endpoint.
type scoreResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

// Score requests a probability vector for one (image, category) pair.
// Unavailability and malformed output both surface as an inference error;
// the caller must treat the category as having no prediction.
func (s *RemoteScorer) Score(ctx context.Context, img ImageRef, category taxonomy.Category, labels []string) (Prediction, error) {
	cacheKey := fmt.Sprintf("%s:%s", img.ID, category)
	if cached, found := s.cache.Get(cacheKey); found {
		if pred, ok := cached.(Prediction); ok {
			logger.Debug("scorer cache hit", "image_id", img.ID, "category", category)
			return pred, nil
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return Prediction{}, errors.New(fmt.Errorf("rate limiter wait: %w", errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	body, err := json.Marshal(scoreRequest{
		ImageID: img.ID,
		Locator: img.Locator,
		Labels:  labels,
	})
	if err != nil {
		return Prediction{}, errors.New(err).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	url := fmt.Sprintf("%s/score/%s", s.config.BaseURL, category)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, errors.New(err).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Error("scorer request failed", "image_id", img.ID, "category", category, "error", err)
		return Prediction{}, errors.New(fmt.Errorf("scorer unavailable: %v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			NetworkContext(url, s.config.Timeout).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		logger.Error("scorer returned non-OK status", "image_id", img.ID, "category", category, "status", resp.StatusCode)
		return Prediction{}, errors.New(fmt.Errorf("scorer returned status %d: %w", resp.StatusCode, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	var payload scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Prediction{}, errors.New(fmt.Errorf("decoding scorer response: %v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	if err := ValidateVector(category, labels, payload.Probabilities); err != nil {
		// Malformed output is an inference failure from the caller's view.
		return Prediction{}, errors.New(fmt.Errorf("malformed scorer output: %v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	pred := Prediction{
		Category: category,
		Labels:   labels,
		Probs:    payload.Probabilities,
	}
	s.cache.Set(cacheKey, pred, cache.DefaultExpiration)

	logger.Debug("scored image",
		"image_id", img.ID,
		"category", category,
		"duration_ms", time.Since(start).Milliseconds())

	return pred, nil
}
