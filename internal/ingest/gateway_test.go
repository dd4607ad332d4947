package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/fanout/internal/ingest"
	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/pkg/types"
)

// recordingPublisher captures published bodies.
type recordingPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, body []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.bodies = append(p.bodies, body)
	return "msg-1", nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bodies)
}

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC)

func newGateway(p ingest.Publisher) *ingest.Gateway {
	return ingest.NewGateway(p, logging.Discard(), nil,
		ingest.WithClock(func() time.Time { return fixedNow }))
}

func TestSubmit_FillsEventIDAndTimestamp(t *testing.T) {
	pub := &recordingPublisher{}
	g := newGateway(pub)

	env, err := g.SubmitJSON(context.Background(), []byte(`{"companyId":"c1","userId":"u1","eventType":"document_created"}`))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(env.EventID, ingest.EventIDPrefix))
	assert.Equal(t, "2024-05-06T07:08:09.123Z", env.Timestamp)
	assert.Equal(t, "", env.Description)
	assert.NotNil(t, env.Metadata)

	require.Equal(t, 1, pub.count(), "exactly one publish per accepted submission")
	var published map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.bodies[0], &published))
	assert.Equal(t, env.EventID, published["eventId"])
	assert.Equal(t, "", published["description"])
	assert.Equal(t, map[string]interface{}{}, published["metadata"], "metadata is never null")
}

func TestSubmit_KeepsCallerEventIDAndNormalizesTimestamp(t *testing.T) {
	pub := &recordingPublisher{}
	g := newGateway(pub)

	env, err := g.Submit(context.Background(), map[string]interface{}{
		"companyId":   "c1",
		"userId":      "u1",
		"eventType":   "login",
		"eventId":     "my-id",
		"description": "hello",
		"timestamp":   "2024-01-02T05:04:05+02:00",
		"metadata":    map[string]interface{}{"plan": "pro"},
	})
	require.NoError(t, err)

	assert.Equal(t, "my-id", env.EventID)
	assert.Equal(t, "2024-01-02T03:04:05.000Z", env.Timestamp)
	assert.Equal(t, "pro", env.Metadata["plan"])
}

func TestSubmit_AcceptsISO8601Forms(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-01-01T10:00:00Z", "2024-01-01T10:00:00.000Z"},
		{"2024-01-01T10:00:00.123456+02:00", "2024-01-01T08:00:00.123Z"},
		{"2024-01-01T10:00:00+0200", "2024-01-01T08:00:00.000Z"},
		{"2024-01-01T10:00:00", "2024-01-01T10:00:00.000Z"},
		{"2024-01-01T10:00", "2024-01-01T10:00:00.000Z"},
		{"2024-01-01", "2024-01-01T00:00:00.000Z"},
		{"20240101T100000Z", "2024-01-01T10:00:00.000Z"},
		{"20240101T100000-0130", "2024-01-01T11:30:00.000Z"},
		{"20240101", "2024-01-01T00:00:00.000Z"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			pub := &recordingPublisher{}
			env, err := newGateway(pub).Submit(context.Background(), map[string]interface{}{
				"companyId": "c1", "userId": "u1", "eventType": "x", "timestamp": tt.in,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Timestamp)
			assert.Equal(t, 1, pub.count())
		})
	}
}

func TestSubmit_ValidationProducesNoPublish(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing companyId", `{"userId":"u1","eventType":"x"}`, "companyId"},
		{"missing userId", `{"companyId":"c1","eventType":"x"}`, "userId"},
		{"missing eventType", `{"companyId":"c1","userId":"u1"}`, "eventType"},
		{"blank companyId", `{"companyId":"  ","userId":"u1","eventType":"x"}`, "companyId"},
		{"numeric userId", `{"companyId":"c1","userId":7,"eventType":"x"}`, "userId"},
		{"null eventType", `{"companyId":"c1","userId":"u1","eventType":null}`, "eventType"},
		{"non-string description", `{"companyId":"c1","userId":"u1","eventType":"x","description":1}`, "description"},
		{"array metadata", `{"companyId":"c1","userId":"u1","eventType":"x","metadata":[1]}`, "metadata"},
		{"bad timestamp", `{"companyId":"c1","userId":"u1","eventType":"x","timestamp":"yesterday"}`, "timestamp"},
		{"impossible date", `{"companyId":"c1","userId":"u1","eventType":"x","timestamp":"2024-02-30"}`, "timestamp"},
		{"not json", `{nope`, ""},
		{"json array", `[1,2]`, ""},
		{"json null", `null`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			g := newGateway(pub)

			_, err := g.SubmitJSON(context.Background(), []byte(tt.body))
			require.Error(t, err)

			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Zero(t, pub.count())
		})
	}
}

func TestSubmit_PublishFailureIsDependencyError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bus unavailable")}
	g := newGateway(pub)

	_, err := g.SubmitJSON(context.Background(), []byte(`{"companyId":"c1","userId":"u1","eventType":"x"}`))
	require.Error(t, err)
	assert.True(t, types.IsDependency(err))
	assert.False(t, types.IsValidation(err))
}

func TestSubmit_MetadataNumbersSurviveRoundTrip(t *testing.T) {
	pub := &recordingPublisher{}
	g := newGateway(pub)

	_, err := g.SubmitJSON(context.Background(),
		[]byte(`{"companyId":"c1","userId":"u1","eventType":"x","metadata":{"big":12345678901234567890}}`))
	require.NoError(t, err)
	assert.Contains(t, string(pub.bodies[0]), `"big":12345678901234567890`)
}

func TestNewEventID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := ingest.NewEventID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
