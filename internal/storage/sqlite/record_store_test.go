package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

func newTestRecordStore(t *testing.T) *RecordStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "records.db")
	store, err := NewRecordStore(context.Background(), dsn, "events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(company, event, user, ts string) *types.Record {
	return &types.Record{
		CompanyID:   company,
		EventID:     event,
		UserID:      user,
		EventType:   "click",
		Description: "opened " + event,
		Metadata:    `{"k":"v"}`,
		Timestamp:   ts,
	}
}

func TestRecordStore_PutIsIdempotent(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()
	rec := testRecord("c1", "e1", "u1", "2024-01-01T00:00:00.000Z")

	require.NoError(t, store.Put(ctx, rec))
	require.NoError(t, store.Put(ctx, rec))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "replaying the same record must leave exactly one row")

	got, err := store.Get(ctx, "c1", "e1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRecordStore_PutOverwrites(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord("c1", "e1", "u1", "2024-01-01T00:00:00.000Z")))
	updated := testRecord("c1", "e1", "u2", "2024-01-02T00:00:00.000Z")
	updated.Description = "changed"
	require.NoError(t, store.Put(ctx, updated))

	got, err := store.Get(ctx, "c1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Description)
	assert.Equal(t, "u2", got.UserID)
}

func TestRecordStore_MetadataIsOpaque(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	rec, err := types.NewRecord(&types.Envelope{
		CompanyID: "c1", EventID: "blob", UserID: "u1",
		Metadata: map[string]interface{}{"k": "a\x00b"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"k":"a\u0000b"}`, rec.Metadata)
	require.NoError(t, store.Put(ctx, rec))

	raw := `{"z": 1,  "a":2, "z": 3}`
	require.NoError(t, store.Put(ctx, &types.Record{CompanyID: "c1", EventID: "raw", UserID: "u1", Metadata: raw}))

	got, err := store.Get(ctx, "c1", "blob")
	require.NoError(t, err)
	assert.Equal(t, rec.Metadata, got.Metadata)

	got, err = store.Get(ctx, "c1", "raw")
	require.NoError(t, err)
	assert.Equal(t, raw, got.Metadata)
}

func TestRecordStore_KeyIncludesCompany(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord("c1", "e1", "u1", "2024-01-01T00:00:00.000Z")))
	require.NoError(t, store.Put(ctx, testRecord("c2", "e1", "u1", "2024-01-01T00:00:00.000Z")))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecordStore_GetNotFound(t *testing.T) {
	store := newTestRecordStore(t)

	_, err := store.Get(context.Background(), "c1", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Get(context.Background(), "", "e1")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRecordStore_PutValidation(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Put(ctx, nil), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.Put(ctx, testRecord("", "e1", "u1", "")), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.Put(ctx, testRecord("c1", "", "u1", "")), storage.ErrInvalidInput)
}

func TestRecordStore_ListByUser(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord("c1", "e1", "u1", "2024-01-01T00:00:00.000Z")))
	require.NoError(t, store.Put(ctx, testRecord("c1", "e3", "u1", "2024-01-03T00:00:00.000Z")))
	require.NoError(t, store.Put(ctx, testRecord("c2", "e2", "u1", "2024-01-02T00:00:00.000Z")))
	require.NoError(t, store.Put(ctx, testRecord("c1", "e4", "u2", "2024-01-04T00:00:00.000Z")))

	all, err := store.ListByUser(ctx, "u1", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].EventID, "newest first")
	assert.Equal(t, "e2", all[1].EventID)
	assert.Equal(t, "e1", all[2].EventID)

	limited, err := store.ListByUser(ctx, "u1", storage.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "e3", limited[0].EventID)

	scoped, err := store.ListByUser(ctx, "u1", storage.ListOptions{CompanyID: "c2"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "e2", scoped[0].EventID)

	none, err := store.ListByUser(ctx, "nobody", storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordStore_ConcurrentPuts(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Put(ctx, testRecord("c1", "e1", "u1", "2024-01-01T00:00:00.000Z")))
		}()
	}
	wg.Wait()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewRecordStore_RejectsUnsafeTable(t *testing.T) {
	_, err := NewRecordStore(context.Background(), ":memory:", "events; drop")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestNewRecordStore_ReopenKeepsData(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "records.db")
	ctx := context.Background()

	store, err := NewRecordStore(ctx, dsn, "events")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testRecord("c1", "e1", "u1", "2024-01-01T00:00:00.000Z")))
	require.NoError(t, store.Close())

	reopened, err := NewRecordStore(ctx, dsn, "events")
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get(ctx, "c1", "e1")
	assert.NoError(t, err)
}

func TestDBPathFromDSN(t *testing.T) {
	assert.Equal(t, "", dbPathFromDSN(":memory:"))
	assert.Equal(t, "", dbPathFromDSN("file::memory:?cache=shared"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("file:/tmp/x.db?_pragma=foo"))
	assert.Equal(t, "./data/records.db", dbPathFromDSN("./data/records.db"))
}
