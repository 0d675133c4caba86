// Package catalog aggregates generation models from Replicate and
// fal.ai, with TTL caching of model lists and parameter schemas.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// Capability classifies what a model generates from what.
type Capability string

const (
	CapTextToImage  Capability = "text-to-image"
	CapImageToImage Capability = "image-to-image"
	CapTextToVideo  Capability = "text-to-video"
	CapImageToVideo Capability = "image-to-video"
)

// relevantCategories are the fal.ai categories surfaced in the catalog.
var relevantCategories = map[string]Capability{
	"text-to-image":  CapTextToImage,
	"image-to-image": CapImageToImage,
	"text-to-video":  CapTextToVideo,
	"image-to-video": CapImageToVideo,
}

// Model is one catalog entry, normalized across providers.
type Model struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Provider     schema.ProviderType `json:"provider"`
	Capabilities []Capability        `json:"capabilities"`
	CoverImage   string              `json:"coverImage,omitempty"`
}

// Parameter is one user-facing model input extracted from the
// provider's OpenAPI-style schema.
type Parameter struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Default     any     `json:"default,omitempty"`
	Required    bool    `json:"required"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	Enum        []any   `json:"enum,omitempty"`
}

// ProviderResult reports one provider's contribution to a listing.
type ProviderResult struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Cached  bool   `json:"cached,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Listing is the aggregated model list with per-provider status.
type Listing struct {
	Success   bool                      `json:"success"`
	Models    []Model                   `json:"models"`
	Cached    bool                      `json:"cached"`
	Providers map[string]ProviderResult `json:"providers"`
	Errors    []string                  `json:"errors,omitempty"`
}

// ListOptions control a ListModels call.
type ListOptions struct {
	Provider     schema.ProviderType // optional: restrict to one provider
	Search       string
	Refresh      bool // bypass the cache
	Capabilities []Capability
	ReplicateKey string
	FalKey       string // optional; fal works without a key
}

// DefaultCacheTTL is how long model lists and schemas are cached.
const DefaultCacheTTL = 10 * time.Minute

// maxPages caps provider pagination so a listing cannot run away.
const maxPages = 15

// Catalog fetches and caches model metadata.
type Catalog struct {
	httpClient    *http.Client
	replicateBase string
	falBase       string
	falRunBase    string
	models        *gocache.Cache
	schemas       *gocache.Cache
	logger        *slog.Logger
}

// NewCatalog creates a catalog with the given cache TTL. A ttl <= 0
// uses DefaultCacheTTL; a nil logger uses the default.
func NewCatalog(httpClient *http.Client, ttl time.Duration, logger *slog.Logger) *Catalog {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		httpClient:    httpClient,
		replicateBase: "https://api.replicate.com/v1",
		falBase:       "https://api.fal.ai/v1",
		falRunBase:    "https://fal.run",
		models:        gocache.New(ttl, 2*ttl),
		schemas:       gocache.New(ttl, 2*ttl),
		logger:        logger,
	}
}

// ListModels aggregates models from every provider a key is available
// for. Replicate search is filtered client-side against the cached full
// list; fal.ai search is passed through to the API.
func (c *Catalog) ListModels(ctx context.Context, opts ListOptions) (*Listing, error) {
	var providers []schema.ProviderType
	switch opts.Provider {
	case schema.ProviderReplicate:
		if opts.ReplicateKey != "" {
			providers = append(providers, schema.ProviderReplicate)
		}
	case schema.ProviderFal:
		providers = append(providers, schema.ProviderFal)
	case "":
		if opts.ReplicateKey != "" {
			providers = append(providers, schema.ProviderReplicate)
		}
		providers = append(providers, schema.ProviderFal)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown provider: %s", opts.Provider)
	}

	if len(providers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"No providers available. Provide API keys via X-Replicate-Key or X-Fal-Key headers.")
	}

	listing := &Listing{
		Providers: make(map[string]ProviderResult, len(providers)),
	}
	anyFromCache := false
	allFromCache := true

	for _, provider := range providers {
		models, fromCache, err := c.providerModels(ctx, provider, opts)
		if err != nil {
			c.logger.WarnContext(ctx, "provider listing failed", "provider", provider, "error", err)
			listing.Errors = append(listing.Errors, fmt.Sprintf("%s: %s", provider, errText(err)))
			listing.Providers[string(provider)] = ProviderResult{Success: false, Error: errText(err)}
			allFromCache = false
			continue
		}
		if fromCache {
			anyFromCache = true
		} else {
			allFromCache = false
		}
		listing.Models = append(listing.Models, models...)
		listing.Providers[string(provider)] = ProviderResult{Success: true, Count: len(models), Cached: fromCache}
	}

	if len(listing.Models) == 0 && len(listing.Errors) == len(providers) {
		return nil, schema.NewErrorf(schema.ErrCodeUpstream,
			"All providers failed: %s", strings.Join(listing.Errors, "; "))
	}

	if len(opts.Capabilities) > 0 {
		listing.Models = filterByCapabilities(listing.Models, opts.Capabilities)
	}

	sort.Slice(listing.Models, func(i, j int) bool {
		a, b := listing.Models[i], listing.Models[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Name < b.Name
	})

	listing.Success = true
	listing.Cached = anyFromCache && allFromCache
	return listing, nil
}

// providerModels returns one provider's models, consulting the cache
// unless opts.Refresh is set.
func (c *Catalog) providerModels(ctx context.Context, provider schema.ProviderType, opts ListOptions) ([]Model, bool, error) {
	// Replicate is cached unfiltered and searched client-side; fal.ai
	// supports server-side search, so the query is part of its key.
	cacheKey := string(provider)
	if provider == schema.ProviderFal && opts.Search != "" {
		cacheKey = string(provider) + ":" + opts.Search
	}

	if !opts.Refresh {
		if cached, ok := c.models.Get(cacheKey); ok {
			models := cached.([]Model)
			if provider == schema.ProviderReplicate && opts.Search != "" {
				models = filterBySearch(models, opts.Search)
			}
			return models, true, nil
		}
	}

	switch provider {
	case schema.ProviderReplicate:
		all, err := c.fetchReplicateModels(ctx, opts.ReplicateKey)
		if err != nil {
			return nil, false, err
		}
		c.models.SetDefault(cacheKey, all)
		if opts.Search != "" {
			return filterBySearch(all, opts.Search), false, nil
		}
		return all, false, nil

	case schema.ProviderFal:
		models, err := c.fetchFalModels(ctx, opts.FalKey, opts.Search)
		if err != nil {
			return nil, false, err
		}
		c.models.SetDefault(cacheKey, models)
		return models, false, nil

	default:
		return nil, false, nil
	}
}

// --- Replicate listing ---

type replicateModelsPage struct {
	Next    string `json:"next"`
	Results []struct {
		Owner         string `json:"owner"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		CoverImageURL string `json:"cover_image_url"`
	} `json:"results"`
}

func (c *Catalog) fetchReplicateModels(ctx context.Context, apiKey string) ([]Model, error) {
	var all []Model
	next := c.replicateBase + "/models"

	for page := 0; next != "" && page < maxPages; page++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "build replicate request: %v", err).WithCause(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUpstream, "replicate request failed: %v", err).WithCause(err)
		}
		if resp.StatusCode != http.StatusOK {
			drainClose(resp.Body)
			return nil, schema.NewErrorf(schema.ErrCodeUpstream, "Replicate API error: %d", resp.StatusCode)
		}

		var pageData replicateModelsPage
		err = json.NewDecoder(resp.Body).Decode(&pageData)
		resp.Body.Close()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUpstream, "decode replicate response: %v", err).WithCause(err)
		}

		for _, m := range pageData.Results {
			all = append(all, Model{
				ID:           m.Owner + "/" + m.Name,
				Name:         m.Name,
				Description:  m.Description,
				Provider:     schema.ProviderReplicate,
				Capabilities: inferReplicateCapabilities(m.Name, m.Description),
				CoverImage:   m.CoverImageURL,
			})
		}
		next = pageData.Next
	}
	return all, nil
}

// inferReplicateCapabilities guesses capabilities from name and
// description keywords; Replicate carries no category metadata.
func inferReplicateCapabilities(name, description string) []Capability {
	text := strings.ToLower(name + " " + description)

	videoWords := []string{"video", "animate", "motion", "luma", "kling", "minimax"}
	isVideo := false
	for _, w := range videoWords {
		if strings.Contains(text, w) {
			isVideo = true
			break
		}
	}

	if isVideo {
		for _, w := range []string{"img2vid", "image-to-video", "i2v"} {
			if strings.Contains(text, w) {
				return []Capability{CapImageToVideo}
			}
		}
		return []Capability{CapTextToVideo}
	}

	caps := []Capability{CapTextToImage}
	for _, w := range []string{"img2img", "image-to-image", "inpaint", "controlnet", "upscale", "restore"} {
		if strings.Contains(text, w) {
			caps = append(caps, CapImageToImage)
			break
		}
	}
	return caps
}

// --- fal.ai listing ---

type falModelsPage struct {
	Models []struct {
		EndpointID string `json:"endpoint_id"`
		Metadata   struct {
			DisplayName  string `json:"display_name"`
			Category     string `json:"category"`
			Description  string `json:"description"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"metadata"`
	} `json:"models"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

func (c *Catalog) fetchFalModels(ctx context.Context, apiKey, search string) ([]Model, error) {
	var all []Model
	cursor := ""
	hasMore := true

	for page := 0; hasMore && page < maxPages; page++ {
		endpoint := c.falBase + "/models?status=active"
		if search != "" {
			endpoint += "&q=" + url.QueryEscape(search)
		}
		if cursor != "" {
			endpoint += "&cursor=" + url.QueryEscape(cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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
		if resp.StatusCode != http.StatusOK {
			drainClose(resp.Body)
			return nil, schema.NewErrorf(schema.ErrCodeUpstream, "fal.ai API error: %d", resp.StatusCode)
		}

		var pageData falModelsPage
		err = json.NewDecoder(resp.Body).Decode(&pageData)
		resp.Body.Close()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUpstream, "decode fal response: %v", err).WithCause(err)
		}

		for _, m := range pageData.Models {
			capability, relevant := relevantCategories[m.Metadata.Category]
			if !relevant {
				continue
			}
			all = append(all, Model{
				ID:           m.EndpointID,
				Name:         m.Metadata.DisplayName,
				Description:  m.Metadata.Description,
				Provider:     schema.ProviderFal,
				Capabilities: []Capability{capability},
				CoverImage:   m.Metadata.ThumbnailURL,
			})
		}
		cursor = pageData.NextCursor
		hasMore = pageData.HasMore
	}
	return all, nil
}

// --- filtering ---

func filterBySearch(models []Model, query string) []Model {
	q := strings.ToLower(query)
	var out []Model
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.Name), q) ||
			strings.Contains(strings.ToLower(m.Description), q) ||
			strings.Contains(strings.ToLower(m.ID), q) {
			out = append(out, m)
		}
	}
	return out
}

func filterByCapabilities(models []Model, wanted []Capability) []Model {
	want := make(map[Capability]bool, len(wanted))
	for _, c := range wanted {
		want[c] = true
	}
	var out []Model
	for _, m := range models {
		for _, c := range m.Capabilities {
			if want[c] {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func errText(err error) string {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.Message
	}
	return err.Error()
}

// drainClose discards a response body so the connection can be reused.
func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	body.Close()
}
