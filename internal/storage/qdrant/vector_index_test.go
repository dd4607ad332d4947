package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// fakeQdrant implements the subset of the Qdrant REST API used by VectorIndex.
type fakeQdrant struct {
	mu         sync.Mutex
	size       int
	created    bool
	points     map[string]apiPoint
	apiKeySeen string
	lastWait   string
}

func newFakeQdrant(t *testing.T, existingSize int) (*fakeQdrant, *httptest.Server) {
	t.Helper()
	f := &fakeQdrant{points: map[string]apiPoint{}}
	if existingSize > 0 {
		f.created = true
		f.size = existingSize
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQdrant) reply(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": result, "status": "ok"})
}

func (f *fakeQdrant) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeySeen = r.Header.Get("api-key")

	path := strings.TrimPrefix(r.URL.Path, "/collections/events_collection")
	switch {
	case path == "" && r.Method == http.MethodGet:
		if !f.created {
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
			return
		}
		f.reply(w, map[string]interface{}{
			"config": map[string]interface{}{"params": map[string]interface{}{"vectors": map[string]interface{}{"size": f.size}}},
		})

	case path == "" && r.Method == http.MethodPut:
		var body struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.created, f.size = true, body.Vectors.Size
		f.reply(w, true)

	case path == "/index":
		f.reply(w, map[string]string{"status": "completed"})

	case path == "/points" && r.Method == http.MethodPut:
		f.lastWait = r.URL.Query().Get("wait")
		var body struct {
			Points []apiPoint `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			f.points[p.ID] = p
		}
		f.reply(w, map[string]string{"status": "completed"})

	case path == "/points" && r.Method == http.MethodPost:
		var body struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := []apiPoint{}
		for _, id := range body.IDs {
			if p, ok := f.points[id]; ok {
				out = append(out, p)
			}
		}
		f.reply(w, out)

	case path == "/points/count":
		f.reply(w, map[string]int{"count": len(f.points)})

	case path == "/points/search":
		var body struct {
			Vector []float32 `json:"vector"`
			Limit  int       `json:"limit"`
			Filter *filter   `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := []apiPoint{}
		for _, p := range f.points {
			if body.Filter != nil && !matches(body.Filter, p.Payload) {
				continue
			}
			p.Score = storage.CosineSimilarity(body.Vector, p.Vector)
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		if len(out) > body.Limit {
			out = out[:body.Limit]
		}
		f.reply(w, out)

	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusBadRequest)
	}
}

func field(env types.Envelope, key string) string {
	switch key {
	case "companyId":
		return env.CompanyID
	case "userId":
		return env.UserID
	}
	return ""
}

func matches(f *filter, env types.Envelope) bool {
	for _, c := range f.Must {
		if field(env, c.Key) != c.Match.Value {
			return false
		}
	}
	for _, c := range f.MustNot {
		if field(env, c.Key) == c.Match.Value {
			return false
		}
	}
	return true
}

func newTestIndex(t *testing.T, srv *httptest.Server, dim int) *VectorIndex {
	t.Helper()
	idx, err := New(context.Background(), Config{
		BaseURL:    srv.URL,
		APIKey:     "secret",
		Collection: "events_collection",
		Dimension:  dim,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func point(id, company, user string, vec ...float32) types.Point {
	return types.Point{ID: id, Vector: vec, Payload: types.Envelope{CompanyID: company, EventID: id, UserID: user}}
}

func TestNew_CreatesMissingCollection(t *testing.T) {
	fake, srv := newFakeQdrant(t, 0)
	newTestIndex(t, srv, 3)

	assert.True(t, fake.created)
	assert.Equal(t, 3, fake.size)
	assert.Equal(t, "secret", fake.apiKeySeen)
}

func TestNew_RejectsExistingCollectionWithOtherSize(t *testing.T) {
	_, srv := newFakeQdrant(t, 8)

	_, err := New(context.Background(), Config{BaseURL: srv.URL, Collection: "events_collection", Dimension: 3})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestVectorIndex_UpsertIdempotentAndDurable(t *testing.T) {
	fake, srv := newFakeQdrant(t, 0)
	idx := newTestIndex(t, srv, 2)
	ctx := context.Background()

	p := point("evt_1", "c1", "u1", 1, 0)
	require.NoError(t, idx.Upsert(ctx, []types.Point{p}))
	require.NoError(t, idx.Upsert(ctx, []types.Point{p}))

	assert.Equal(t, "true", fake.lastWait)
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := idx.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", got.ID)
	assert.Equal(t, []float32{1, 0}, got.Vector)
	assert.NotNil(t, got.Payload.Metadata)

	_, err = idx.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVectorIndex_SearchWithFilters(t *testing.T) {
	_, srv := newFakeQdrant(t, 0)
	idx := newTestIndex(t, srv, 2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []types.Point{
		point("a", "c1", "u1", 1, 0),
		point("b", "c1", "u2", 0.9, 0.1),
		point("c", "c2", "u2", 1, 0),
	}))

	hits, err := idx.Search(ctx, []float32{1, 0}, storage.SearchOptions{Limit: 5, CompanyID: "c1"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Point.ID)
	assert.Equal(t, "b", hits[1].Point.ID)

	hits, err = idx.Search(ctx, []float32{1, 0}, storage.SearchOptions{Limit: 5, ExcludeUserID: "u2"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Point.ID)
}

func TestVectorIndex_DimensionChecks(t *testing.T) {
	_, srv := newFakeQdrant(t, 0)
	idx := newTestIndex(t, srv, 2)
	ctx := context.Background()

	assert.ErrorIs(t, idx.Upsert(ctx, []types.Point{point("a", "c1", "u1", 1)}), storage.ErrDimensionMismatch)
	_, err := idx.Search(ctx, []float32{1}, storage.SearchOptions{Limit: 1})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestVectorIndex_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{}})
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	idx, err := New(context.Background(), Config{BaseURL: srv.URL, Collection: "events_collection", Dimension: 1})
	require.NoError(t, err)

	err = idx.Upsert(context.Background(), []types.Point{point("a", "c1", "u1", 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("evt_1"), PointID("evt_1"))
	assert.NotEqual(t, PointID("evt_1"), PointID("evt_2"))
}
