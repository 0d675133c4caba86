package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// LLMRequest is a normalized text generation request.
type LLMRequest struct {
	Prompt      string
	Images      []string // data URIs; multimodal input for the google provider
	Provider    schema.LLMProvider
	Model       string
	Temperature float64
	MaxTokens   int
	Creds       Credentials
}

// LLMResult holds the generated text.
type LLMResult struct {
	Text string
}

// LLMClient generates text through Google Gemini or OpenAI chat
// completions.
type LLMClient struct {
	httpClient    *http.Client
	geminiBaseURL string
	openaiBaseURL string
	logger        *slog.Logger
}

// NewLLMClient creates a text generation client. Empty base URLs use
// the public API endpoints.
func NewLLMClient(httpClient *http.Client, geminiBaseURL, openaiBaseURL string, logger *slog.Logger) *LLMClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if geminiBaseURL == "" {
		geminiBaseURL = defaultGeminiBaseURL
	}
	if openaiBaseURL == "" {
		openaiBaseURL = defaultOpenAIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{
		httpClient:    httpClient,
		geminiBaseURL: geminiBaseURL,
		openaiBaseURL: openaiBaseURL,
		logger:        logger,
	}
}

// GenerateText routes to the configured provider.
func (c *LLMClient) GenerateText(ctx context.Context, req *LLMRequest) (*LLMResult, error) {
	switch req.Provider {
	case schema.LLMProviderOpenAI:
		return c.generateOpenAI(ctx, req)
	case schema.LLMProviderGoogle, "":
		return c.generateGoogle(ctx, req)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown LLM provider: %s", req.Provider)
	}
}

func (c *LLMClient) generateGoogle(ctx context.Context, req *LLMRequest) (*LLMResult, error) {
	// Image parts come first, then the prompt, matching the multimodal
	// content order Gemini expects.
	parts := make([]geminiPart, 0, len(req.Images)+1)
	for _, img := range req.Images {
		mimeType, data := splitDataURI(img)
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mimeType, Data: data}})
	}
	parts = append(parts, geminiPart{Text: req.Prompt})

	genConfig := map[string]any{
		"temperature":     req.Temperature,
		"maxOutputTokens": req.MaxTokens,
	}

	body, err := json.Marshal(geminiGenerateRequest{
		Contents:         []geminiContent{{Parts: parts}},
		GenerationConfig: genConfig,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal llm request: %v", err).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.geminiBaseURL+"/models/"+req.Model+":generateContent", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build llm request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.Creds.Gemini)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "llm request failed: %v", err).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := extractErrorDetail(drainBody(resp))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, schema.NewError(schema.ErrCodeRateLimited, "Rate limit reached. Please wait and try again.")
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "google llm error %d: %s", resp.StatusCode, detail)
	}

	defer resp.Body.Close()
	var genResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode llm response: %v", err).WithCause(err)
	}

	var text string
	if len(genResp.Candidates) > 0 && genResp.Candidates[0].Content != nil {
		for _, part := range genResp.Candidates[0].Content.Parts {
			text += part.Text
		}
	}
	if text == "" {
		return nil, schema.NewError(schema.ErrCodeNoOutput, "No text in Google AI response")
	}
	return &LLMResult{Text: text}, nil
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (c *LLMClient) generateOpenAI(ctx context.Context, req *LLMRequest) (*LLMResult, error) {
	body, err := json.Marshal(openAIChatRequest{
		Model:       req.Model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal llm request: %v", err).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.openaiBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build llm request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Creds.OpenAI)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "llm request failed: %v", err).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := extractErrorDetail(drainBody(resp))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, schema.NewError(schema.ErrCodeRateLimited, "Rate limit reached. Please wait and try again.")
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "openai error %d: %s", resp.StatusCode, detail)
	}

	defer resp.Body.Close()
	var chatResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode llm response: %v", err).WithCause(err)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return nil, schema.NewError(schema.ErrCodeNoOutput, "No text in OpenAI response")
	}
	return &LLMResult{Text: chatResp.Choices[0].Message.Content}, nil
}
