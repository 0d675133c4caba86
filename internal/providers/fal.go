package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/itchyny/gojq"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

const defaultFalBaseURL = "https://fal.run"

// falExtractor is one candidate location for the media URL in a fal.ai
// response. Models disagree on the response shape, so extractors are
// tried in a fixed priority order.
type falExtractor struct {
	code  *gojq.Code
	video bool
}

var falExtractors = compileFalExtractors([]struct {
	query string
	video bool
}{
	{".video.url", true},
	{".images[0].url", false},
	{".image.url", false},
	{".output", false},
})

func compileFalExtractors(specs []struct {
	query string
	video bool
}) []falExtractor {
	extractors := make([]falExtractor, 0, len(specs))
	for _, s := range specs {
		q, err := gojq.Parse(s.query)
		if err != nil {
			panic(fmt.Sprintf("parse fal extractor %q: %v", s.query, err))
		}
		code, err := gojq.Compile(q)
		if err != nil {
			panic(fmt.Sprintf("compile fal extractor %q: %v", s.query, err))
		}
		extractors = append(extractors, falExtractor{code: code, video: s.video})
	}
	return extractors
}

// extractFalMediaURL runs the extractor queries in priority order and
// returns the first string hit, plus whether it came from a video shape.
func extractFalMediaURL(result map[string]any) (string, bool) {
	for _, ex := range falExtractors {
		iter := ex.code.Run(result)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if _, isErr := v.(error); isErr {
				continue
			}
			if s, ok := v.(string); ok && s != "" {
				return s, ex.video
			}
		}
	}
	return "", false
}

// FalClient generates images and videos through fal.ai's synchronous
// endpoint. The API key is optional; without one fal.ai serves
// rate-limited anonymous requests.
type FalClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewFalClient creates a fal.ai adapter.
func NewFalClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *FalClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = defaultFalBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FalClient{httpClient: httpClient, baseURL: baseURL, logger: logger}
}

func (c *FalClient) Provider() schema.ProviderType { return schema.ProviderFal }

// Generate runs a synchronous POST against fal.run/{modelId}.
func (c *FalClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	if req.SelectedModel == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no model selected for fal")
	}
	name := displayName(req)
	apiKey := req.Creds.Fal

	requestBody := buildProviderInput(req, "image_url")

	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal fal request: %v", err).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+req.SelectedModel.ModelID, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build fal request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Key "+apiKey)
	}

	c.logger.DebugContext(ctx, "calling fal.ai", "model", req.SelectedModel.ModelID, "authenticated", apiKey != "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fal request failed: %v", err).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := extractErrorDetail(drainBody(resp))
		if resp.StatusCode == http.StatusTooManyRequests {
			hint := "Add an API key in settings for higher limits."
			if apiKey != "" {
				hint = "Try again in a moment."
			}
			return nil, schema.NewErrorf(schema.ErrCodeRateLimited, "%s: Rate limit exceeded. %s", name, hint)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", name, detail)
	}

	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode fal response: %v", err).WithCause(err)
	}

	mediaURL, isVideoModel := extractFalMediaURL(result)
	if mediaURL == "" {
		return nil, schema.NewError(schema.ErrCodeNoOutput, "No media URL in response")
	}

	defaultContentType := "image/png"
	if isVideoModel {
		defaultContentType = "video/mp4"
	}
	return fetchMedia(ctx, c.httpClient, mediaURL, defaultContentType)
}
