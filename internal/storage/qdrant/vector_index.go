// Package qdrant implements storage.VectorIndex against the Qdrant REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// pointNamespace derives stable Qdrant point IDs from event IDs. Qdrant only
// accepts unsigned integers or UUIDs as point IDs.
var pointNamespace = uuid.MustParse("6f1c7f3e-5a34-4c5e-9a55-3f2a4b8e9d10")

// Config holds Qdrant connection settings.
type Config struct {
	// BaseURL is the REST endpoint (default: http://localhost:6333)
	BaseURL string

	// APIKey is sent as the api-key header when set.
	APIKey string

	// Collection is the collection name (required).
	Collection string

	// Dimension is the fixed vector size (required).
	Dimension int

	// Timeout is the per-request timeout (default: 10s)
	Timeout time.Duration
}

// VectorIndex talks to one Qdrant collection using cosine distance.
type VectorIndex struct {
	baseURL    string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

type apiResponse struct {
	Result json.RawMessage `json:"result"`
	Status interface{}     `json:"status"`
}

type apiPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload types.Envelope `json:"payload"`
	Score   float64        `json:"score,omitempty"`
}

type matchCondition struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

type filter struct {
	Must    []matchCondition `json:"must,omitempty"`
	MustNot []matchCondition `json:"must_not,omitempty"`
}

// New connects to Qdrant, creating the collection when it does not exist
// and checking its vector size when it does.
func New(ctx context.Context, cfg Config) (*VectorIndex, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:6333"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection is required", storage.ErrInvalidInput)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", storage.ErrInvalidInput)
	}

	v := &VectorIndex{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: cfg.Timeout},
	}

	if err := v.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// PointID returns the Qdrant point ID used for eventID.
func PointID(eventID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(eventID)).String()
}

func (v *VectorIndex) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(v.collection) + suffix
}

func (v *VectorIndex) ensureCollection(ctx context.Context) error {
	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}

	status, err := v.do(ctx, http.MethodGet, v.collectionPath(""), nil, &info)
	if err != nil && status != http.StatusNotFound {
		return fmt.Errorf("qdrant: failed to inspect collection %s: %w", v.collection, err)
	}

	if status == http.StatusNotFound {
		body := map[string]interface{}{
			"vectors": map[string]interface{}{"size": v.dimension, "distance": "Cosine"},
		}
		if _, err := v.do(ctx, http.MethodPut, v.collectionPath(""), body, nil); err != nil {
			return fmt.Errorf("qdrant: failed to create collection %s: %w", v.collection, err)
		}
		for _, field := range []string{"companyId", "userId"} {
			index := map[string]interface{}{"field_name": field, "field_schema": "keyword"}
			if _, err := v.do(ctx, http.MethodPut, v.collectionPath("/index?wait=true"), index, nil); err != nil {
				return fmt.Errorf("qdrant: failed to index payload field %s: %w", field, err)
			}
		}
		return nil
	}

	if size := info.Config.Params.Vectors.Size; size != 0 && size != v.dimension {
		return fmt.Errorf("qdrant: collection %s has size %d: %w", v.collection, size, storage.ErrDimensionMismatch)
	}
	return nil
}

// Upsert writes the points and waits until Qdrant has applied them.
func (v *VectorIndex) Upsert(ctx context.Context, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}

	body := struct {
		Points []apiPoint `json:"points"`
	}{Points: make([]apiPoint, 0, len(points))}

	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("%w: point ID is required", storage.ErrInvalidInput)
		}
		if err := storage.CheckDimension(p.Vector, v.dimension); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
		payload := p.Payload
		payload.Normalize()
		if payload.EventID == "" {
			payload.EventID = p.ID
		}
		body.Points = append(body.Points, apiPoint{ID: PointID(p.ID), Vector: p.Vector, Payload: payload})
	}

	if _, err := v.do(ctx, http.MethodPut, v.collectionPath("/points?wait=true"), body, nil); err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// Get returns the point stored for event ID id.
func (v *VectorIndex) Get(ctx context.Context, id string) (*types.Point, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: point ID is required", storage.ErrInvalidInput)
	}

	req := map[string]interface{}{
		"ids":          []string{PointID(id)},
		"with_payload": true,
		"with_vector":  true,
	}
	var result []apiPoint
	if _, err := v.do(ctx, http.MethodPost, v.collectionPath("/points"), req, &result); err != nil {
		return nil, fmt.Errorf("qdrant: get failed: %w", err)
	}
	if len(result) == 0 {
		return nil, storage.ErrNotFound
	}
	p := toPoint(result[0])
	return &p, nil
}

// Search queries the collection for the nearest points.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, opts storage.SearchOptions) ([]storage.ScoredPoint, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidInput)
	}
	if err := storage.CheckDimension(vector, v.dimension); err != nil {
		return nil, err
	}

	req := map[string]interface{}{
		"vector":       vector,
		"limit":        opts.Limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if f := buildFilter(opts); f != nil {
		req["filter"] = f
	}

	var result []apiPoint
	if _, err := v.do(ctx, http.MethodPost, v.collectionPath("/points/search"), req, &result); err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	hits := make([]storage.ScoredPoint, 0, len(result))
	for _, r := range result {
		hits = append(hits, storage.ScoredPoint{Point: toPoint(r), Score: r.Score})
	}
	storage.SortHits(hits)
	return hits, nil
}

// Count returns the exact number of points in the collection.
func (v *VectorIndex) Count(ctx context.Context) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	if _, err := v.do(ctx, http.MethodPost, v.collectionPath("/points/count"), map[string]bool{"exact": true}, &result); err != nil {
		return 0, fmt.Errorf("qdrant: count failed: %w", err)
	}
	return result.Count, nil
}

// Dimension returns the fixed vector dimension.
func (v *VectorIndex) Dimension() int { return v.dimension }

// Close releases idle HTTP connections.
func (v *VectorIndex) Close() error {
	v.client.CloseIdleConnections()
	return nil
}

func buildFilter(opts storage.SearchOptions) *filter {
	var f filter
	if opts.CompanyID != "" {
		f.Must = append(f.Must, match("companyId", opts.CompanyID))
	}
	if opts.ExcludeUserID != "" {
		f.MustNot = append(f.MustNot, match("userId", opts.ExcludeUserID))
	}
	if len(f.Must) == 0 && len(f.MustNot) == 0 {
		return nil
	}
	return &f
}

func match(key, value string) matchCondition {
	c := matchCondition{Key: key}
	c.Match.Value = value
	return c
}

func toPoint(r apiPoint) types.Point {
	r.Payload.Normalize()
	return types.Point{ID: r.Payload.EventID, Vector: r.Vector, Payload: r.Payload}
}

// do sends a JSON request and decodes the "result" field into out. The HTTP
// status is returned even on error so callers can branch on 404.
func (v *VectorIndex) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("api-key", v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("qdrant returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return resp.StatusCode, nil
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode result: %w", err)
	}
	return resp.StatusCode, nil
}
