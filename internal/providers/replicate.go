package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

const defaultReplicateBaseURL = "https://api.replicate.com/v1"

// ReplicateClient generates images and videos through the Replicate
// predictions API: resolve the model's latest version, create a
// prediction, then poll until it reaches a terminal status.
type ReplicateClient struct {
	httpClient *http.Client
	baseURL    string
	poller     *Poller
	logger     *slog.Logger
}

// NewReplicateClient creates a Replicate adapter. A nil poller uses the
// default 1s interval and 5m deadline.
func NewReplicateClient(httpClient *http.Client, baseURL string, poller *Poller, logger *slog.Logger) *ReplicateClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = defaultReplicateBaseURL
	}
	if poller == nil {
		poller = NewPoller()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicateClient{httpClient: httpClient, baseURL: baseURL, poller: poller, logger: logger}
}

func (c *ReplicateClient) Provider() schema.ProviderType { return schema.ProviderReplicate }

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func replicateTerminal(status string) bool {
	return status == "succeeded" || status == "failed" || status == "canceled"
}

// Generate creates a prediction and polls it to completion.
func (c *ReplicateClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	if req.SelectedModel == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no model selected for replicate")
	}
	name := displayName(req)

	version, err := c.resolveVersion(ctx, req.SelectedModel.ModelID, req.Creds.Replicate)
	if err != nil {
		return nil, err
	}

	input := buildProviderInput(req, "image")

	prediction, err := c.createPrediction(ctx, version, input, name, req.Creds.Replicate)
	if err != nil {
		return nil, err
	}

	current := prediction
	err = c.poller.Poll(ctx, func(ctx context.Context) (bool, error) {
		if replicateTerminal(current.Status) {
			return true, nil
		}
		polled, err := c.getPrediction(ctx, current.ID, req.Creds.Replicate)
		if err != nil {
			return false, err
		}
		current = polled
		c.logger.DebugContext(ctx, "prediction status", "id", current.ID, "status", current.Status)
		return replicateTerminal(current.Status), nil
	})
	if errors.Is(err, ErrPollDeadline) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"%s: Generation timed out after 5 minutes. Video models may take longer - try again.", name)
	}
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case "failed":
		reason := current.Error
		if reason == "" {
			reason = "Prediction failed"
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", name, reason)
	case "canceled":
		return nil, schema.NewError(schema.ErrCodeExecution, "Prediction was canceled")
	}

	mediaURL, err := firstOutputURL(current.Output)
	if err != nil {
		return nil, err
	}
	return fetchMedia(ctx, c.httpClient, mediaURL, "image/png")
}

// resolveVersion looks up the model's latest version ID.
func (c *ReplicateClient) resolveVersion(ctx context.Context, modelID, apiKey string) (string, error) {
	owner, name, ok := strings.Cut(modelID, "/")
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid replicate model id: %s", modelID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/models/%s/%s", c.baseURL, owner, name), nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "build model request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "get model info: %v", err).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		drainBody(resp)
		return "", schema.NewErrorf(schema.ErrCodeExecution, "Failed to get model info: %d", resp.StatusCode)
	}

	defer resp.Body.Close()
	var model struct {
		LatestVersion *struct {
			ID string `json:"id"`
		} `json:"latest_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&model); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "decode model info: %v", err).WithCause(err)
	}
	if model.LatestVersion == nil || model.LatestVersion.ID == "" {
		return "", schema.NewError(schema.ErrCodeExecution, "Model has no available version")
	}
	return model.LatestVersion.ID, nil
}

func (c *ReplicateClient) createPrediction(ctx context.Context, version string, input map[string]any, name, apiKey string) (*replicatePrediction, error) {
	body, err := json.Marshal(map[string]any{"version": version, "input": input})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal prediction input: %v", err).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build prediction request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "create prediction: %v", err).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := extractErrorDetail(drainBody(resp))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, schema.NewErrorf(schema.ErrCodeRateLimited,
				"%s: Rate limit exceeded. Try again in a moment.", name)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", name, detail)
	}

	defer resp.Body.Close()
	prediction := &replicatePrediction{}
	if err := json.NewDecoder(resp.Body).Decode(prediction); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode prediction: %v", err).WithCause(err)
	}
	return prediction, nil
}

func (c *ReplicateClient) getPrediction(ctx context.Context, id, apiKey string) (*replicatePrediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build poll request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "poll prediction: %v", err).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		drainBody(resp)
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "Failed to poll prediction: %d", resp.StatusCode)
	}

	defer resp.Body.Close()
	prediction := &replicatePrediction{}
	if err := json.NewDecoder(resp.Body).Decode(prediction); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode prediction: %v", err).WithCause(err)
	}
	return prediction, nil
}

// firstOutputURL extracts the first URL from a prediction output, which
// may be a single string or an array of strings.
func firstOutputURL(output json.RawMessage) (string, error) {
	if len(output) == 0 || string(output) == "null" {
		return "", schema.NewError(schema.ErrCodeNoOutput, "No output from prediction")
	}
	var single string
	if err := json.Unmarshal(output, &single); err == nil {
		if single == "" {
			return "", schema.NewError(schema.ErrCodeNoOutput, "No output from prediction")
		}
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(output, &many); err == nil {
		if len(many) == 0 {
			return "", schema.NewError(schema.ErrCodeNoOutput, "No output from prediction")
		}
		return many[0], nil
	}
	return "", schema.NewError(schema.ErrCodeNoOutput, "No output from prediction")
}
