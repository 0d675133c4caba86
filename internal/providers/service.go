package providers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// ImageStore is the transient image hosting used to hand large input
// images to URL-fetching providers.
type ImageStore interface {
	// ShouldUpload reports whether a data URI is large enough to be
	// worth converting to a URL.
	ShouldUpload(dataURI string) bool
	// Upload stores a data URI and returns its ID and public URL.
	Upload(dataURI string) (id, url string, err error)
	// Delete removes stored images by ID. Unknown IDs are ignored.
	Delete(ids ...string)
}

// replicateImageInputNames are dynamic-input keys that may carry image
// payloads on Replicate models. fal.ai uses the same set minus the bare
// "image" key.
var replicateImageInputNames = []string{
	"image", "image_url", "tail_image_url", "first_frame", "last_frame",
	"start_image", "end_image", "reference_image", "init_image",
	"mask_image", "control_image",
}

var falImageInputNames = replicateImageInputNames[1:]

// ServiceConfig holds server-side defaults for the generation service.
type ServiceConfig struct {
	// Server-configured API keys, used when a request carries none.
	Creds Credentials
}

// Service routes generation requests to the right provider, handling
// prompt validation, transient image uploads, and cleanup.
type Service struct {
	gemini    *GeminiClient
	replicate *ReplicateClient
	fal       *FalClient
	llm       *LLMClient
	images    ImageStore
	cfg       ServiceConfig
	logger    *slog.Logger
}

// NewService wires the provider adapters into a routing service.
func NewService(gemini *GeminiClient, replicate *ReplicateClient, fal *FalClient, llm *LLMClient, images ImageStore, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gemini:    gemini,
		replicate: replicate,
		fal:       fal,
		llm:       llm,
		images:    images,
		cfg:       cfg,
		logger:    logger,
	}
}

// Generate validates the request, routes it to a provider, and returns
// the normalized result.
func (s *Service) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	hasPrompt := req.Prompt != "" || (req.DynamicInputs != nil && req.DynamicInputs["prompt"] != "")
	if !hasPrompt {
		return nil, schema.NewError(schema.ErrCodeValidation, "Prompt is required")
	}

	if req.Model == "" {
		req.Model = "nano-banana-pro"
	}

	provider := schema.ProviderGemini
	if req.SelectedModel != nil && req.SelectedModel.Provider != "" {
		provider = req.SelectedModel.Provider
	}

	switch provider {
	case schema.ProviderReplicate:
		if req.Creds.Replicate == "" {
			req.Creds.Replicate = s.cfg.Creds.Replicate
		}
		if req.Creds.Replicate == "" {
			return nil, schema.NewError(schema.ErrCodeUnauthorized,
				"Replicate API key not provided. Include X-Replicate-API-Key header.")
		}
		return s.generateWithUploads(ctx, req, s.replicate, replicateImageInputNames)

	case schema.ProviderFal:
		if req.Creds.Fal == "" {
			req.Creds.Fal = s.cfg.Creds.Fal
		}
		return s.generateWithUploads(ctx, req, s.fal, falImageInputNames)

	case schema.ProviderGemini:
		if req.Creds.Gemini == "" {
			req.Creds.Gemini = s.cfg.Creds.Gemini
		}
		if req.Creds.Gemini == "" {
			return nil, schema.NewError(schema.ErrCodeExecution,
				"API key not configured. Set GEMINI_API_KEY in the server configuration.")
		}
		return s.gemini.Generate(ctx, req)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown provider: %s", provider)
	}
}

// generateWithUploads converts large input images to transient URLs for
// URL-fetching providers, runs the adapter, and deletes the uploads
// unconditionally afterwards.
func (s *Service) generateWithUploads(ctx context.Context, req *GenerateRequest, adapter Adapter, imageInputNames []string) (*GenerateResult, error) {
	uploaded, prepared, err := s.prepareImages(ctx, req, imageInputNames)
	if err != nil {
		return nil, err
	}
	defer func() {
		if len(uploaded) > 0 {
			s.images.Delete(uploaded...)
			s.logger.DebugContext(ctx, "cleaned up uploaded images", "count", len(uploaded))
		}
	}()

	return adapter.Generate(ctx, prepared)
}

// prepareImages returns a shallow copy of the request with large images
// in both the legacy images list and the dynamic inputs replaced by
// transient URLs.
func (s *Service) prepareImages(ctx context.Context, req *GenerateRequest, imageInputNames []string) ([]string, *GenerateRequest, error) {
	prepared := *req
	var uploaded []string

	if len(req.Images) > 0 {
		images := make([]string, 0, len(req.Images))
		for _, img := range req.Images {
			if s.images != nil && s.images.ShouldUpload(img) {
				id, url, err := s.images.Upload(img)
				if err != nil {
					s.images.Delete(uploaded...)
					return nil, nil, schema.NewErrorf(schema.ErrCodeExecution, "upload image: %v", err).WithCause(err)
				}
				uploaded = append(uploaded, id)
				images = append(images, url)
				s.logger.DebugContext(ctx, "converted large image to URL", "url", url)
			} else {
				images = append(images, img)
			}
		}
		prepared.Images = images
	}

	if len(req.DynamicInputs) > 0 && s.images != nil {
		inputs := make(map[string]string, len(req.DynamicInputs))
		for k, v := range req.DynamicInputs {
			inputs[k] = v
		}
		for key, value := range inputs {
			if !isImageInputKey(key, imageInputNames) || !strings.HasPrefix(value, "data:image") {
				continue
			}
			if !s.images.ShouldUpload(value) {
				continue
			}
			id, url, err := s.images.Upload(value)
			if err != nil {
				s.images.Delete(uploaded...)
				return nil, nil, schema.NewErrorf(schema.ErrCodeExecution, "upload image: %v", err).WithCause(err)
			}
			uploaded = append(uploaded, id)
			inputs[key] = url
			s.logger.DebugContext(ctx, "converted large dynamic input to URL", "key", key, "url", url)
		}
		prepared.DynamicInputs = inputs
	}

	return uploaded, &prepared, nil
}

func isImageInputKey(key string, names []string) bool {
	lower := strings.ToLower(key)
	for _, name := range names {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// GenerateText validates and routes a text generation request.
func (s *Service) GenerateText(ctx context.Context, req *LLMRequest) (*LLMResult, error) {
	if req.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Prompt is required")
	}

	switch req.Provider {
	case schema.LLMProviderGoogle, "":
		if req.Creds.Gemini == "" {
			req.Creds.Gemini = s.cfg.Creds.Gemini
		}
		if req.Creds.Gemini == "" {
			return nil, schema.NewError(schema.ErrCodeExecution,
				"GEMINI_API_KEY not configured. Set it in the server configuration.")
		}
	case schema.LLMProviderOpenAI:
		if req.Creds.OpenAI == "" {
			req.Creds.OpenAI = s.cfg.Creds.OpenAI
		}
		if req.Creds.OpenAI == "" {
			return nil, schema.NewError(schema.ErrCodeExecution,
				"OPENAI_API_KEY not configured. Set it in the server configuration.")
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown LLM provider: %s", req.Provider)
	}

	return s.llm.GenerateText(ctx, req)
}
