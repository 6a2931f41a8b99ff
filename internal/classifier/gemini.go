package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/cartag/cartag-go/internal/errors"
	"github.com/cartag/cartag-go/internal/taxonomy"
)

// GeminiScorer scores images with a Gemini vision model. It is an
// alternative Scorer for setups without a self-hosted serving endpoint.
type GeminiScorer struct {
	Model string
}

// NewGeminiScorer returns a Gemini-backed scorer using the given model name.
func NewGeminiScorer(model string) *GeminiScorer {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiScorer{Model: model}
}

// Score asks the model for a probability distribution over the ordered
// label set. The model's answer is parsed as a JSON array and renormalized
// before validation; anything unparseable surfaces as an inference error.
func (g *GeminiScorer) Score(ctx context.Context, img ImageRef, category taxonomy.Category, labels []string) (Prediction, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return Prediction{}, errors.Newf("GEMINI_API_KEY environment variable not set").
			Component("classifier").
			Category(errors.CategoryConfiguration).
			Build()
	}

	data, err := os.ReadFile(img.Locator)
	if err != nil {
		return Prediction{}, errors.New(fmt.Errorf("reading image %s: %v: %w", img.Locator, err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return Prediction{}, errors.New(fmt.Errorf("creating gemini client: %v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}
	defer func() { _ = client.Close() }()

	model := client.GenerativeModel(g.Model)
	model.SetTemperature(0)

	prompt := fmt.Sprintf(
		"You are scoring a car photo for the %q attribute. "+
			"Respond with ONLY a JSON array of %d non-negative numbers summing to 1, "+
			"one probability per label, in this exact order: %s",
		category, len(labels), strings.Join(labels, ", "))

	resp, err := model.GenerateContent(ctx,
		genai.ImageData(imageFormat(img.Locator), data),
		genai.Text(prompt))
	if err != nil {
		return Prediction{}, errors.New(fmt.Errorf("gemini generate content: %v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	text, err := responseText(resp)
	if err != nil {
		return Prediction{}, errors.New(fmt.Errorf("%v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	probs, err := parseProbabilities(text, len(labels))
	if err != nil {
		return Prediction{}, errors.New(fmt.Errorf("parsing gemini answer: %v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	if err := ValidateVector(category, labels, probs); err != nil {
		return Prediction{}, errors.New(fmt.Errorf("malformed gemini output: %v: %w", err, errors.ErrInference)).
			Component("classifier").
			Category(errors.CategoryInference).
			ImageContext(img.ID, string(category)).
			Build()
	}

	return Prediction{Category: category, Labels: labels, Probs: probs}, nil
}

func imageFormat(locator string) string {
	switch strings.ToLower(filepath.Ext(locator)) {
	case ".png":
		return "png"
	case ".webp":
		return "webp"
	default:
		return "jpeg"
	}
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from gemini")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty content returned from gemini")
	}
	if txt, ok := candidate.Content.Parts[0].(genai.Text); ok {
		return string(txt), nil
	}
	return "", fmt.Errorf("unexpected response format from gemini")
}

// parseProbabilities extracts a probability vector from the model's text
// answer, tolerating code fences and small normalization drift.
func parseProbabilities(text string, want int) ([]float64, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var probs []float64
	if err := json.Unmarshal([]byte(cleaned), &probs); err != nil {
		return nil, fmt.Errorf("not a JSON number array: %w", err)
	}
	if len(probs) != want {
		return nil, fmt.Errorf("got %d values, want %d", len(probs), want)
	}

	sum := 0.0
	for _, p := range probs {
		if p < 0 {
			return nil, fmt.Errorf("negative probability %f", p)
		}
		sum += p
	}
	if sum <= 0 {
		return nil, fmt.Errorf("probabilities sum to %f", sum)
	}
	// LLMs rarely hit an exact sum of 1; renormalize small drift.
	for i := range probs {
		probs[i] /= sum
	}
	return probs, nil
}
