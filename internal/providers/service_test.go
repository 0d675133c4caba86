package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// fakeImageStore records uploads and deletions. Images above the
// threshold length are reported as worth uploading.
type fakeImageStore struct {
	threshold int
	uploads   []string
	deleted   []string
	failWith  error
}

func (f *fakeImageStore) ShouldUpload(dataURI string) bool {
	if strings.HasPrefix(dataURI, "http") {
		return false
	}
	return len(dataURI) > f.threshold
}

func (f *fakeImageStore) Upload(dataURI string) (string, string, error) {
	if f.failWith != nil {
		return "", "", f.failWith
	}
	id := fmt.Sprintf("img-%d", len(f.uploads))
	f.uploads = append(f.uploads, dataURI)
	return id, "http://host/i/" + id, nil
}

func (f *fakeImageStore) Delete(ids ...string) {
	f.deleted = append(f.deleted, ids...)
}

func newGeminiBackedService(t *testing.T, cfg ServiceConfig) (*Service, *int) {
	t.Helper()
	calls := new(int)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		fmt.Fprint(w, inlineImageResponse("image/png", "T1VUUFVU"))
	}))
	t.Cleanup(ts.Close)

	gemini := NewGeminiClient(ts.Client(), ts.URL, nil)
	return NewService(gemini, nil, nil, nil, nil, cfg, slog.Default()), calls
}

func TestServicePromptRequired(t *testing.T) {
	svc, _ := newGeminiBackedService(t, ServiceConfig{Creds: Credentials{Gemini: "k"}})

	_, err := svc.Generate(context.Background(), &GenerateRequest{})
	flowErr := assertFlowErrCode(t, err, "VALIDATION_ERROR")
	assert.Equal(t, "Prompt is required", flowErr.Message)
}

func TestServiceDynamicPromptSatisfiesRequirement(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG"))
	}))
	defer media.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"images": [{"url": %q}]}`, media.URL)
	}))
	defer api.Close()

	fal := NewFalClient(api.Client(), api.URL, nil)
	svc := NewService(nil, nil, fal, nil, nil, ServiceConfig{}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{
		DynamicInputs: map[string]string{"prompt": "from a connected node"},
		SelectedModel: &schema.SelectedModel{Provider: schema.ProviderFal, ModelID: "fal-ai/flux/dev"},
	})
	require.NoError(t, err)
}

func TestServiceDefaultModel(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, inlineImageResponse("image/png", "T1VUUFVU"))
	}))
	defer ts.Close()

	gemini := NewGeminiClient(ts.Client(), ts.URL, nil)
	svc := NewService(gemini, nil, nil, nil, nil, ServiceConfig{Creds: Credentials{Gemini: "k"}}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "/models/gemini-3-pro-image-preview:generateContent", gotPath)
}

func TestServiceGeminiKeyFromConfig(t *testing.T) {
	svc, calls := newGeminiBackedService(t, ServiceConfig{Creds: Credentials{Gemini: "server-key"}})

	_, err := svc.Generate(context.Background(), &GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
}

func TestServiceGeminiKeyMissing(t *testing.T) {
	svc, calls := newGeminiBackedService(t, ServiceConfig{})

	_, err := svc.Generate(context.Background(), &GenerateRequest{Prompt: "p"})
	flowErr := assertFlowErrCode(t, err, "EXECUTION_ERROR")
	assert.Equal(t, "API key not configured. Set GEMINI_API_KEY in the server configuration.", flowErr.Message)
	assert.Zero(t, *calls)
}

func TestServiceReplicateKeyMissing(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, ServiceConfig{}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{
		Prompt:        "p",
		SelectedModel: &schema.SelectedModel{Provider: schema.ProviderReplicate, ModelID: "a/b"},
	})
	flowErr := assertFlowErrCode(t, err, "UNAUTHORIZED")
	assert.Equal(t, "Replicate API key not provided. Include X-Replicate-API-Key header.", flowErr.Message)
}

func TestServiceUnknownProvider(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, ServiceConfig{}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{
		Prompt:        "p",
		SelectedModel: &schema.SelectedModel{Provider: "midjourney", ModelID: "x"},
	})
	assertFlowErrCode(t, err, "VALIDATION_ERROR")
}

func TestServiceFalKeyFallsBackToConfig(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG"))
	}))
	defer media.Close()

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprintf(w, `{"images": [{"url": %q}]}`, media.URL)
	}))
	defer api.Close()

	fal := NewFalClient(api.Client(), api.URL, nil)
	svc := NewService(nil, nil, fal, nil, nil, ServiceConfig{Creds: Credentials{Fal: "server-fal"}}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{
		Prompt:        "p",
		SelectedModel: &schema.SelectedModel{Provider: schema.ProviderFal, ModelID: "fal-ai/flux/dev"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Key server-fal", gotAuth)
}

func TestServiceUploadsLargeLegacyImages(t *testing.T) {
	store := &fakeImageStore{threshold: 100}
	largeImage := "data:image/png;base64," + strings.Repeat("A", 200)
	smallImage := "data:image/png;base64,QUJD"

	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG"))
	}))
	defer media.Close()

	var gotInput map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotInput)
		fmt.Fprintf(w, `{"images": [{"url": %q}]}`, media.URL)
	}))
	defer api.Close()

	fal := NewFalClient(api.Client(), api.URL, nil)
	svc := NewService(nil, nil, fal, nil, store, ServiceConfig{Creds: Credentials{Fal: "k"}}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{
		Prompt:        "p",
		Images:        []string{largeImage, smallImage},
		SelectedModel: &schema.SelectedModel{Provider: schema.ProviderFal, ModelID: "fal-ai/flux/dev"},
	})
	require.NoError(t, err)

	require.Len(t, store.uploads, 1)
	assert.Equal(t, largeImage, store.uploads[0])
	assert.Equal(t, "http://host/i/img-0", gotInput["image_url"], "first image maps to the legacy key")
	assert.Equal(t, []string{"img-0"}, store.deleted, "uploads are cleaned up after the run")
}

func TestServiceUploadsLargeDynamicInputs(t *testing.T) {
	store := &fakeImageStore{threshold: 100}
	largeImage := "data:image/png;base64," + strings.Repeat("A", 200)

	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG"))
	}))
	defer media.Close()

	var gotInput map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotInput)
		fmt.Fprintf(w, `{"images": [{"url": %q}]}`, media.URL)
	}))
	defer api.Close()

	fal := NewFalClient(api.Client(), api.URL, nil)
	svc := NewService(nil, nil, fal, nil, store, ServiceConfig{Creds: Credentials{Fal: "k"}}, slog.Default())

	longPrompt := strings.Repeat("describe ", 50)
	_, err := svc.Generate(context.Background(), &GenerateRequest{
		Prompt: "p",
		DynamicInputs: map[string]string{
			"prompt":    longPrompt, // large but not an image key
			"image_url": largeImage,
		},
		SelectedModel: &schema.SelectedModel{Provider: schema.ProviderFal, ModelID: "fal-ai/flux/dev"},
	})
	require.NoError(t, err)

	require.Len(t, store.uploads, 1)
	assert.Equal(t, "http://host/i/img-0", gotInput["image_url"])
	assert.Equal(t, longPrompt, gotInput["prompt"], "non-image inputs pass through untouched")
	assert.Equal(t, []string{"img-0"}, store.deleted)
}

func TestServiceUploadsCleanedUpOnFailure(t *testing.T) {
	store := &fakeImageStore{threshold: 100}
	largeImage := "data:image/png;base64," + strings.Repeat("A", 200)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer api.Close()

	fal := NewFalClient(api.Client(), api.URL, nil)
	svc := NewService(nil, nil, fal, nil, store, ServiceConfig{Creds: Credentials{Fal: "k"}}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{
		Prompt:        "p",
		Images:        []string{largeImage},
		SelectedModel: &schema.SelectedModel{Provider: schema.ProviderFal, ModelID: "fal-ai/flux/dev"},
	})
	require.Error(t, err)
	assert.Equal(t, []string{"img-0"}, store.deleted, "cleanup runs even when generation fails")
}

func TestServiceUploadErrorAbortsGeneration(t *testing.T) {
	store := &fakeImageStore{threshold: 100, failWith: assert.AnError}
	largeImage := "data:image/png;base64," + strings.Repeat("A", 200)

	calls := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	defer api.Close()

	fal := NewFalClient(api.Client(), api.URL, nil)
	svc := NewService(nil, nil, fal, nil, store, ServiceConfig{Creds: Credentials{Fal: "k"}}, slog.Default())

	_, err := svc.Generate(context.Background(), &GenerateRequest{
		Prompt:        "p",
		Images:        []string{largeImage},
		SelectedModel: &schema.SelectedModel{Provider: schema.ProviderFal, ModelID: "fal-ai/flux/dev"},
	})
	assertFlowErrCode(t, err, "EXECUTION_ERROR")
	assert.Zero(t, calls, "provider is never called when upload fails")
}

func TestIsImageInputKey(t *testing.T) {
	assert.True(t, isImageInputKey("image_url", falImageInputNames))
	assert.True(t, isImageInputKey("TAIL_IMAGE_URL", falImageInputNames))
	assert.True(t, isImageInputKey("image", replicateImageInputNames))
	assert.False(t, isImageInputKey("prompt", falImageInputNames))
	assert.False(t, isImageInputKey("seed", replicateImageInputNames))
}

func TestServiceGenerateTextPromptRequired(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, ServiceConfig{}, slog.Default())

	_, err := svc.GenerateText(context.Background(), &LLMRequest{})
	flowErr := assertFlowErrCode(t, err, "VALIDATION_ERROR")
	assert.Equal(t, "Prompt is required", flowErr.Message)
}

func TestServiceGenerateTextMissingKeys(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, ServiceConfig{}, slog.Default())

	_, err := svc.GenerateText(context.Background(), &LLMRequest{
		Prompt: "p", Provider: schema.LLMProviderGoogle,
	})
	flowErr := assertFlowErrCode(t, err, "EXECUTION_ERROR")
	assert.Equal(t, "GEMINI_API_KEY not configured. Set it in the server configuration.", flowErr.Message)

	_, err = svc.GenerateText(context.Background(), &LLMRequest{
		Prompt: "p", Provider: schema.LLMProviderOpenAI,
	})
	flowErr = assertFlowErrCode(t, err, "EXECUTION_ERROR")
	assert.Equal(t, "OPENAI_API_KEY not configured. Set it in the server configuration.", flowErr.Message)
}

func TestServiceGenerateTextKeyFromConfig(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`)
	}))
	defer ts.Close()

	llm := NewLLMClient(ts.Client(), ts.URL, "", nil)
	svc := NewService(nil, nil, nil, llm, nil, ServiceConfig{Creds: Credentials{Gemini: "server-key"}}, slog.Default())

	result, err := svc.GenerateText(context.Background(), &LLMRequest{
		Prompt: "p", Provider: schema.LLMProviderGoogle, Model: "gemini-2.5-flash",
	})
	require.NoError(t, err)
	assert.Equal(t, "server-key", gotKey)
	assert.Equal(t, "ok", result.Text)
}
