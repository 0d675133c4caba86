package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

func falRequest(modelID string) *GenerateRequest {
	return &GenerateRequest{
		Prompt: "a lighthouse at dusk",
		SelectedModel: &schema.SelectedModel{
			Provider:    schema.ProviderFal,
			ModelID:     modelID,
			DisplayName: "Flux Dev",
		},
		Creds: Credentials{Fal: "f-key"},
	}
}

func TestFalGenerate(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("JPEG"))
	}))
	defer media.Close()

	var gotPath, gotAuth string
	var gotBody map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprintf(w, `{"images": [{"url": %q}]}`, media.URL)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	req := falRequest("fal-ai/flux/dev")
	req.Images = []string{"https://example.com/ref.png"}

	result, err := client.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "/fal-ai/flux/dev", gotPath)
	assert.Equal(t, "Key f-key", gotAuth)
	assert.Equal(t, "a lighthouse at dusk", gotBody["prompt"])
	assert.Equal(t, "https://example.com/ref.png", gotBody["image_url"])

	assert.Equal(t, MediaImage, result.Type)
	assert.Contains(t, result.Data, "data:image/jpeg;base64,")
}

func TestFalNoKeyOmitsAuth(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG"))
	}))
	defer media.Close()

	var hadAuth bool
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		fmt.Fprintf(w, `{"image": {"url": %q}}`, media.URL)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	req := falRequest("fal-ai/flux/dev")
	req.Creds = Credentials{}

	_, err := client.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, hadAuth, "anonymous requests send no Authorization header")
}

func TestFalVideoExtractorWins(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte{0x00, 0x01})
	}))
	defer media.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Video shape takes priority over the image shapes.
		fmt.Fprintf(w, `{"video": {"url": %q}, "images": [{"url": "https://ignored"}]}`, media.URL)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	result, err := client.Generate(context.Background(), falRequest("fal-ai/veo"))
	require.NoError(t, err)
	assert.Equal(t, MediaVideo, result.Type)
	assert.Equal(t, "video/mp4", result.ContentType)
}

func TestExtractFalMediaURL(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantURL   string
		wantVideo bool
	}{
		{"video url", `{"video": {"url": "https://x/v.mp4"}}`, "https://x/v.mp4", true},
		{"images array", `{"images": [{"url": "https://x/1.png"}]}`, "https://x/1.png", false},
		{"single image", `{"image": {"url": "https://x/i.png"}}`, "https://x/i.png", false},
		{"bare output", `{"output": "https://x/o.png"}`, "https://x/o.png", false},
		{"video beats images", `{"video": {"url": "https://x/v"}, "images": [{"url": "https://x/i"}]}`, "https://x/v", true},
		{"images beat output", `{"images": [{"url": "https://x/i"}], "output": "https://x/o"}`, "https://x/i", false},
		{"nothing", `{"status": "ok"}`, "", false},
		{"non-string output", `{"output": {"nested": true}}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.body), &result))
			url, video := extractFalMediaURL(result)
			assert.Equal(t, tt.wantURL, url)
			assert.Equal(t, tt.wantVideo, video)
		})
	}
}

func TestFalDynamicInputsReplaceLegacy(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG"))
	}))
	defer media.Close()

	var gotBody map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprintf(w, `{"images": [{"url": %q}]}`, media.URL)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	req := falRequest("fal-ai/flux/dev")
	req.Images = []string{"https://example.com/ref.png"}
	req.DynamicInputs = map[string]string{"image_url": "https://example.com/dyn.png", "prompt": "dyn"}

	_, err := client.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/dyn.png", gotBody["image_url"])
	assert.Equal(t, "dyn", gotBody["prompt"])
}

func TestFalRateLimitedAnonymous(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	req := falRequest("fal-ai/flux/dev")
	req.Creds = Credentials{}

	_, err := client.Generate(context.Background(), req)
	flowErr := assertFlowErrCode(t, err, "RATE_LIMITED")
	assert.Equal(t, "Flux Dev: Rate limit exceeded. Add an API key in settings for higher limits.", flowErr.Message)
}

func TestFalRateLimitedWithKey(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	_, err := client.Generate(context.Background(), falRequest("fal-ai/flux/dev"))
	flowErr := assertFlowErrCode(t, err, "RATE_LIMITED")
	assert.Equal(t, "Flux Dev: Rate limit exceeded. Try again in a moment.", flowErr.Message)
}

func TestFalNoMediaURL(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status": "done"}`)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	_, err := client.Generate(context.Background(), falRequest("fal-ai/flux/dev"))
	flowErr := assertFlowErrCode(t, err, "NO_OUTPUT")
	assert.Equal(t, "No media URL in response", flowErr.Message)
}

func TestFalUpstreamErrorDetail(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"detail": "prompt too long"}`)
	}))
	defer api.Close()

	client := NewFalClient(api.Client(), api.URL, nil)
	_, err := client.Generate(context.Background(), falRequest("fal-ai/flux/dev"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Flux Dev: prompt too long")
}

func TestFalNoModelSelected(t *testing.T) {
	client := NewFalClient(nil, "http://unused", nil)
	_, err := client.Generate(context.Background(), &GenerateRequest{Prompt: "p"})
	assertFlowErrCode(t, err, "VALIDATION_ERROR")
}
