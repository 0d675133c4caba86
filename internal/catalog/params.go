package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// excludedParams are internal or system-level inputs hidden from users.
var excludedParams = map[string]bool{
	"webhook":                true,
	"webhook_events_filter":  true,
	"sync_mode":              true,
	"disable_safety_checker": true,
	"go_fast":                true,
	"enable_safety_checker":  true,
	"output_format":          true,
	"output_quality":         true,
	"request_id":             true,
}

// priorityParams are surfaced before everything else.
var priorityParams = map[string]bool{
	"seed":                true,
	"num_inference_steps": true,
	"inference_steps":     true,
	"steps":               true,
	"guidance_scale":      true,
	"guidance":            true,
	"negative_prompt":     true,
	"width":               true,
	"height":              true,
	"num_outputs":         true,
	"num_images":          true,
	"scheduler":           true,
	"strength":            true,
	"cfg_scale":           true,
	"lora_scale":          true,
}

// ModelParameters returns the user-facing parameter list for one model,
// extracted from the provider's schema and cached.
func (c *Catalog) ModelParameters(ctx context.Context, provider schema.ProviderType, modelID, apiKey string) ([]Parameter, bool, error) {
	if provider != schema.ProviderReplicate && provider != schema.ProviderFal {
		return nil, false, schema.NewError(schema.ErrCodeValidation,
			"Invalid or missing provider. Use ?provider=replicate or ?provider=fal")
	}

	cacheKey := string(provider) + ":" + modelID
	if cached, ok := c.schemas.Get(cacheKey); ok {
		return cached.([]Parameter), true, nil
	}

	var params []Parameter
	var err error
	switch provider {
	case schema.ProviderReplicate:
		if apiKey == "" {
			return nil, false, schema.NewError(schema.ErrCodeUnauthorized,
				"Replicate API key required. Include X-Replicate-Key header.")
		}
		params, err = c.fetchReplicateSchema(ctx, modelID, apiKey)
	case schema.ProviderFal:
		params, err = c.fetchFalSchema(ctx, modelID, apiKey)
	}
	if err != nil {
		return nil, false, err
	}

	c.schemas.SetDefault(cacheKey, params)
	return params, false, nil
}

// schemaProperty is the subset of an OpenAPI property we surface.
type schemaProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Default     any      `json:"default"`
	Minimum     *float64 `json:"minimum"`
	Maximum     *float64 `json:"maximum"`
	Enum        []any    `json:"enum"`
}

type inputSchema struct {
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

// fetchReplicateSchema pulls latest_version.openapi_schema and extracts
// the Input component's properties.
func (c *Catalog) fetchReplicateSchema(ctx context.Context, modelID, apiKey string) ([]Parameter, error) {
	owner, name, ok := strings.Cut(modelID, "/")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid replicate model id: %s", modelID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.replicateBase+"/models/"+owner+"/"+name, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build replicate request: %v", err).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeUpstream, "replicate request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeUpstream, "Replicate API error: %d", resp.StatusCode)
	}

	var payload struct {
		LatestVersion struct {
			OpenAPISchema struct {
				Components struct {
					Schemas map[string]inputSchema `json:"schemas"`
				} `json:"components"`
			} `json:"openapi_schema"`
		} `json:"latest_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeUpstream, "decode replicate schema: %v", err).WithCause(err)
	}

	input, ok := payload.LatestVersion.OpenAPISchema.Components.Schemas["Input"]
	if !ok {
		return []Parameter{}, nil
	}
	// Prompt is handled separately by the generate flow.
	return extractParameters(input, "prompt"), nil
}

// fetchFalSchema pulls the model's OpenAPI spec from fal.run. Many fal
// models do not expose one; a 404 yields an empty parameter list so
// generation still works.
func (c *Catalog) fetchFalSchema(ctx context.Context, modelID, apiKey string) ([]Parameter, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.falRunBase+"/"+modelID+"/api", nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build fal request: %v", err).WithCause(err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Key "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeUpstream, "fal request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		c.logger.DebugContext(ctx, "fal model exposes no OpenAPI schema", "model_id", modelID)
		return []Parameter{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeUpstream, "fal.ai API error: %d", resp.StatusCode)
	}

	var spec struct {
		Paths map[string]struct {
			Post struct {
				RequestBody struct {
					Content map[string]struct {
						Schema inputSchema `json:"schema"`
					} `json:"content"`
				} `json:"requestBody"`
			} `json:"post"`
		} `json:"paths"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&spec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeUpstream, "decode fal schema: %v", err).WithCause(err)
	}

	root, ok := spec.Paths["/"]
	if !ok {
		return []Parameter{}, nil
	}
	body, ok := root.Post.RequestBody.Content["application/json"]
	if !ok {
		return []Parameter{}, nil
	}
	return extractParameters(body.Schema, "prompt", "image_url"), nil
}

// extractParameters converts schema properties to Parameters, dropping
// excluded and explicitly skipped names, priority-first sorted.
func extractParameters(in inputSchema, skip ...string) []Parameter {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	required := make(map[string]bool, len(in.Required))
	for _, r := range in.Required {
		required[r] = true
	}

	params := make([]Parameter, 0, len(in.Properties))
	for name, prop := range in.Properties {
		if skipped[name] || excludedParams[name] {
			continue
		}
		params = append(params, Parameter{
			Name:        name,
			Type:        parameterType(prop),
			Description: prop.Description,
			Default:     prop.Default,
			Required:    required[name],
			Minimum:     prop.Minimum,
			Maximum:     prop.Maximum,
			Enum:        prop.Enum,
		})
	}

	sort.Slice(params, func(i, j int) bool {
		pi, pj := priorityParams[params[i].Name], priorityParams[params[j].Name]
		if pi != pj {
			return pi
		}
		return params[i].Name < params[j].Name
	})
	return params
}

// parameterType maps OpenAPI property types to the UI-facing type.
// allOf references (enum wrappers) render as strings.
func parameterType(prop schemaProperty) string {
	switch prop.Type {
	case "integer", "number", "boolean", "array":
		return prop.Type
	default:
		return "string"
	}
}
