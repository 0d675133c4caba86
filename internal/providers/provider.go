// Package providers implements the generation provider adapters.
//
// Three call styles are normalized into a single result shape:
// Gemini returns media inline in the response, Replicate is
// create-and-poll, and fal.ai is a synchronous POST that returns
// URLs to fetch.
package providers

import (
	"context"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// MediaType discriminates generation outputs.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Credentials carries per-request API keys. Empty fields fall back to
// the server-configured keys in the Service.
type Credentials struct {
	Gemini    string
	OpenAI    string
	Replicate string
	Fal       string
}

// GenerateRequest is a normalized image/video generation request.
// SelectedModel routes to Replicate or fal.ai; when nil the legacy
// Gemini path is used with the Model field.
type GenerateRequest struct {
	Prompt          string
	Images          []string // data URIs or URLs, in input order
	Model           string   // legacy Gemini model id (nano-banana, nano-banana-pro)
	AspectRatio     string
	Resolution      string
	UseGoogleSearch bool
	SelectedModel   *schema.SelectedModel
	Parameters      map[string]any
	DynamicInputs   map[string]string
	Creds           Credentials
}

// GenerateResult is the normalized output of any provider.
// Data holds a base64 data URI, except for videos over the inline
// limit where Data and URL both hold the provider's URL.
type GenerateResult struct {
	Type        MediaType
	Data        string
	URL         string
	ContentType string
}

// IsURL reports whether Data is a URL rather than a data URI.
func (r *GenerateResult) IsURL() bool {
	return len(r.Data) > 4 && r.Data[:4] == "http"
}

// Adapter is a single generation provider.
type Adapter interface {
	Provider() schema.ProviderType
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}

// displayName returns the human-facing model name for error messages.
func displayName(req *GenerateRequest) string {
	if req.SelectedModel != nil && req.SelectedModel.DisplayName != "" {
		return req.SelectedModel.DisplayName
	}
	if req.SelectedModel != nil {
		return req.SelectedModel.ModelID
	}
	return req.Model
}

// buildProviderInput merges parameters with either dynamic inputs or the
// legacy prompt/image mapping. Dynamic inputs replace the legacy mapping
// entirely when present; the legacy image key differs per provider.
func buildProviderInput(req *GenerateRequest, imageKey string) map[string]any {
	input := make(map[string]any, len(req.Parameters)+len(req.DynamicInputs)+2)
	for k, v := range req.Parameters {
		input[k] = v
	}
	if len(req.DynamicInputs) > 0 {
		for k, v := range req.DynamicInputs {
			input[k] = v
		}
		return input
	}
	input["prompt"] = req.Prompt
	if len(req.Images) > 0 {
		input[imageKey] = req.Images[0]
	}
	return input
}
