package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiModelMap maps the editor's model names to Gemini model IDs.
var geminiModelMap = map[string]string{
	"nano-banana":     "gemini-2.5-flash-image",
	"nano-banana-pro": "gemini-3-pro-image-preview",
}

// proModel is the only model that supports resolution and Google Search.
const proModel = "nano-banana-pro"

// GeminiClient generates images through the Gemini generateContent API.
// The response carries the image inline, so no polling is needed.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewGeminiClient creates a Gemini adapter. An empty baseURL uses the
// public API endpoint.
func NewGeminiClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *GeminiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{httpClient: httpClient, baseURL: baseURL, logger: logger}
}

func (c *GeminiClient) Provider() schema.ProviderType { return schema.ProviderGemini }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerateRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig map[string]any   `json:"generationConfig,omitempty"`
	Tools            []map[string]any `json:"tools,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content *geminiContent `json:"content"`
	} `json:"candidates"`
}

// Generate runs an inline-synchronous image generation.
func (c *GeminiClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	modelID, ok := geminiModelMap[req.Model]
	if !ok {
		modelID = req.Model
	}

	parts := make([]geminiPart, 0, len(req.Images)+1)
	parts = append(parts, geminiPart{Text: req.Prompt})
	for _, img := range req.Images {
		mimeType, data := splitDataURI(img)
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mimeType, Data: data}})
	}

	genConfig := map[string]any{
		"responseModalities": []string{"IMAGE", "TEXT"},
	}
	imageConfig := map[string]any{}
	if req.AspectRatio != "" {
		imageConfig["aspectRatio"] = req.AspectRatio
	}
	if req.Model == proModel && req.Resolution != "" {
		imageConfig["imageSize"] = req.Resolution
	}
	if len(imageConfig) > 0 {
		genConfig["imageConfig"] = imageConfig
	}

	var tools []map[string]any
	if req.Model == proModel && req.UseGoogleSearch {
		tools = append(tools, map[string]any{"googleSearch": map[string]any{}})
	}

	body, err := json.Marshal(geminiGenerateRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: genConfig,
		Tools:            tools,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal gemini request: %v", err).WithCause(err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build gemini request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.Creds.Gemini)

	c.logger.DebugContext(ctx, "calling gemini", "model", modelID, "images", len(req.Images))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "gemini request failed: %v", err).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := extractErrorDetail(drainBody(resp))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, schema.NewError(schema.ErrCodeRateLimited, "Rate limit reached. Please wait and try again.")
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "gemini error %d: %s", resp.StatusCode, detail)
	}

	defer resp.Body.Close()
	var genResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode gemini response: %v", err).WithCause(err)
	}

	if len(genResp.Candidates) == 0 {
		return nil, schema.NewError(schema.ErrCodeNoOutput, "No response from AI model")
	}
	content := genResp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return nil, schema.NewError(schema.ErrCodeNoOutput, "No content in response")
	}

	for _, part := range content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			mimeType := part.InlineData.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			return &GenerateResult{
				Type:        MediaImage,
				Data:        fmt.Sprintf("data:%s;base64,%s", mimeType, part.InlineData.Data),
				ContentType: mimeType,
			}, nil
		}
	}

	// The model declined and answered in prose instead.
	for _, part := range content.Parts {
		if part.Text != "" {
			preview := part.Text
			if runes := []rune(preview); len(runes) > 200 {
				preview = string(runes[:200])
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "Model returned text instead of image: %s", preview)
		}
	}

	return nil, schema.NewError(schema.ErrCodeNoOutput, "No image in response")
}
