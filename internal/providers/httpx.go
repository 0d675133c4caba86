package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// maxInlineVideoBytes is the size above which video outputs are returned
// as URLs instead of base64 data URIs.
const maxInlineVideoBytes = 20 * 1024 * 1024

// extractErrorDetail pulls a human-readable message out of a provider
// error body, trying detail, message, and error fields before falling
// back to the raw text.
func extractErrorDetail(body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Detail != "":
			return payload.Detail
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// splitDataURI separates a data URI into its MIME type and base64
// payload. Inputs without a base64 header are treated as raw PNG data.
func splitDataURI(s string) (mimeType, data string) {
	idx := strings.Index(s, "base64,")
	if idx < 0 {
		return "image/png", s
	}
	header := s[:idx]
	data = s[idx+len("base64,"):]
	mimeType = "image/png"
	if rest, ok := strings.CutPrefix(header, "data:"); ok {
		if semi := strings.IndexByte(rest, ';'); semi >= 0 {
			rest = rest[:semi]
		}
		if rest != "" {
			mimeType = rest
		}
	}
	return mimeType, data
}

// fetchMedia downloads a generation output and converts it to the
// normalized result shape. Videos above the inline limit are returned
// by URL; everything else becomes a base64 data URI.
func fetchMedia(ctx context.Context, client *http.Client, mediaURL, defaultContentType string) (*GenerateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fetch output: %v", err).WithCause(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fetch output: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "Failed to fetch output: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	isVideo := strings.HasPrefix(contentType, "video/") || strings.HasPrefix(defaultContentType, "video/")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read output: %v", err).WithCause(err)
	}

	mediaType := MediaImage
	if isVideo {
		mediaType = MediaVideo
	}

	if isVideo && len(body) > maxInlineVideoBytes {
		return &GenerateResult{
			Type:        MediaVideo,
			Data:        mediaURL,
			URL:         mediaURL,
			ContentType: contentType,
		}, nil
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(body))
	return &GenerateResult{
		Type:        mediaType,
		Data:        dataURI,
		URL:         mediaURL,
		ContentType: contentType,
	}, nil
}

// drainBody reads and closes a response body for error reporting.
func drainBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return body
}
