// Package images provides an in-memory transient image store. Large
// base64 inputs are parked here and handed to URL-fetching providers
// as short-lived URLs, then deleted as soon as the generation call
// returns.
package images

import (
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// DefaultThreshold is the decoded size above which an input image is
// uploaded instead of sent inline.
const DefaultThreshold = 1 << 20 // 1 MiB

type item struct {
	data        []byte
	contentType string
	createdAt   time.Time
}

// Store holds transient images keyed by ID.
type Store struct {
	mu        sync.RWMutex
	items     map[string]*item
	baseURL   string
	threshold int
	now       func() time.Time
}

// NewStore creates a store serving URLs under baseURL (e.g.
// "http://localhost:8080"). A threshold <= 0 uses DefaultThreshold.
func NewStore(baseURL string, threshold int) *Store {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Store{
		items:     make(map[string]*item),
		baseURL:   strings.TrimRight(baseURL, "/"),
		threshold: threshold,
		now:       time.Now,
	}
}

// DecodeDataURI splits and decodes a data URI. Inputs without a base64
// header are decoded as raw base64 PNG data.
func DecodeDataURI(dataURI string) (data []byte, contentType string, err error) {
	contentType = "image/png"
	payload := dataURI
	if idx := strings.Index(dataURI, "base64,"); idx >= 0 {
		header := dataURI[:idx]
		payload = dataURI[idx+len("base64,"):]
		if rest, ok := strings.CutPrefix(header, "data:"); ok {
			if semi := strings.IndexByte(rest, ';'); semi >= 0 {
				rest = rest[:semi]
			}
			if rest != "" {
				contentType = rest
			}
		}
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "invalid base64 image data: %v", err).WithCause(err)
	}
	return data, contentType, nil
}

// ShouldUpload reports whether a data URI's decoded size exceeds the
// threshold. URLs and undecodable inputs are never uploaded.
func (s *Store) ShouldUpload(dataURI string) bool {
	if !strings.HasPrefix(dataURI, "data:") {
		return false
	}
	payload := dataURI
	if idx := strings.Index(dataURI, "base64,"); idx >= 0 {
		payload = dataURI[idx+len("base64,"):]
	}
	// Estimate decoded size without decoding: 3 bytes per 4 chars.
	decoded := len(payload) / 4 * 3
	return decoded > s.threshold
}

// Upload stores a data URI and returns its ID and public URL.
func (s *Store) Upload(dataURI string) (string, string, error) {
	data, contentType, err := DecodeDataURI(dataURI)
	if err != nil {
		return "", "", err
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.items[id] = &item{data: data, contentType: contentType, createdAt: s.now()}
	s.mu.Unlock()

	return id, s.baseURL + "/i/" + id, nil
}

// Get returns a stored image's bytes and content type.
func (s *Store) Get(id string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, "", false
	}
	return it.data, it.contentType, true
}

// Delete removes stored images by ID. Unknown IDs are ignored.
func (s *Store) Delete(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.items, id)
	}
}

// Len returns the number of stored images.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Sweep removes images older than maxAge and returns how many were
// dropped. Run periodically as a safety net for leaked uploads.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, it := range s.items {
		if it.createdAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}
