package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrModelNotFound = errors.New("model not found in catalog")

// ModelInfo is the subset of Hub metadata the adapters care about.
type ModelInfo struct {
	ID          string   `json:"id"`
	PipelineTag string   `json:"pipeline_tag,omitempty"`
	Private     bool     `json:"private"`
	Gated       any      `json:"gated,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (m *ModelInfo) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (m *ModelInfo) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

type Catalog interface {
	Lookup(ctx context.Context, modelID string) (*ModelInfo, error)
}

// Hub queries the Hugging Face Hub model API.
type Hub struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHub(baseURL, token string) *Hub {
	if baseURL == "" {
		baseURL = "https://huggingface.co"
	}
	return &Hub{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *Hub) Lookup(ctx context.Context, modelID string) (*ModelInfo, error) {
	if modelID == "" {
		return nil, ErrModelNotFound
	}
	// Repo ids contain a slash that must stay a path separator.
	endpoint := fmt.Sprintf("%s/api/models/%s", h.baseURL, modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub lookup %s: %w", modelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("hub lookup %s (status %d): %s", modelID, resp.StatusCode, string(body))
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode hub response: %w", err)
	}
	if info.ID == "" {
		info.ID = modelID
	}
	return &info, nil
}

// Cached is a read-through Redis cache in front of another catalog. Redis failures
// fall through to the backing catalog.
type Cached struct {
	next Catalog
	rdb  redis.Cmdable
	ttl  time.Duration
}

func NewCached(next Catalog, rdb redis.Cmdable, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl}
}

func (c *Cached) Lookup(ctx context.Context, modelID string) (*ModelInfo, error) {
	key := fmt.Sprintf("catalog:model:%s", modelID)

	var info ModelInfo
	if err := c.rdb.Get(ctx, key).Scan(&info); err == nil {
		return &info, nil
	}

	found, err := c.next.Lookup(ctx, modelID)
	if err != nil {
		return nil, err
	}
	_ = c.rdb.Set(ctx, key, found, c.ttl).Err()
	return found, nil
}
