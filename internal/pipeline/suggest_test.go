package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"queryinsight/internal/ai"
	"queryinsight/internal/db"
	"queryinsight/internal/identity"
)

const validSuggestions = `Here you go:
[
  {"title": "Index orders.customer_id", "description": "Sequential scans dominate the slowest query.", "priority": "High", "category": "performance"},
  {"title": "Drop unused table", "description": "audit_old has no scans.", "priority": "medium", "category": "maintenance"},
  {"title": "Add primary key", "description": "events has no primary key.", "priority": "low", "category": "schema"}
]`

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	args := m.Called(ctx, system, user)
	return args.String(0), args.Error(1)
}

func (f *fixture) seedSlowQuery(t *testing.T, targetID uint, text string, mean float64) {
	t.Helper()
	obs := db.QueryObservation{Identity: identity.Of(text), Calls: 10, MeanExecTimeMs: mean, TotalExecTimeMs: mean * 10}
	_, _, err := f.store.UpsertQueryRecord(context.Background(), targetID, obs, time.Now().UTC())
	require.NoError(t, err)
}

func TestSuggestOnce_SkipsWithoutSignificantData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	f.seedSlowQuery(t, tgt.ID, slowOrders, 200)

	called := false
	f.p.generator = generatorFunc(func(context.Context, string, string) (string, error) {
		called = true
		return validSuggestions, nil
	})

	skipped := testutil.ToFloat64(suggestionOutcomes.WithLabelValues("skipped"))
	require.NoError(t, f.p.SuggestOnce(ctx))

	set, err := f.store.GetSuggestionSet(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Nil(t, set)
	assert.False(t, called)
	assert.Equal(t, skipped+1, testutil.ToFloat64(suggestionOutcomes.WithLabelValues("skipped")))
}

func TestSuggestOnce_ParsedOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	f.seedSlowQuery(t, tgt.ID, slowOrders, 1500)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, ai.SystemInstruction, mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, "orders") && strings.Contains(prompt, "DATA (JSON):")
	})).Return(validSuggestions, nil).Once()
	f.p.generator = gen

	require.NoError(t, f.p.SuggestOnce(ctx))
	gen.AssertExpectations(t)

	set, err := f.store.GetSuggestionSet(ctx, tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, db.SourceAI, set.Source)
	require.Len(t, set.Suggestions, 3)
	assert.Equal(t, "high", set.Suggestions[0].Priority)
	assert.Equal(t, "Index orders.customer_id", set.Suggestions[0].Title)
}

func TestSuggestOnce_CriticalEventsAloneAreSignificant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	require.NoError(t, f.store.AppendCriticalEvent(ctx, &db.CriticalQueryEvent{
		TargetID:       tgt.ID,
		QueryHash:      identity.Of(slowOrders).Hash,
		QueryText:      slowOrders,
		MeanExecTimeMs: 700,
		Rank:           1,
	}))

	require.NoError(t, f.p.SuggestOnce(ctx))

	set, err := f.store.GetSuggestionSet(ctx, tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, db.SourceFallback, set.Source)
}

func TestSuggestOnce_ProseFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	f.seedSlowQuery(t, tgt.ID, slowOrders, 2500)
	f.p.generator = generatorFunc(func(context.Context, string, string) (string, error) {
		return "You should add an index on orders.", nil
	})

	fallbacks := testutil.ToFloat64(suggestionOutcomes.WithLabelValues("fallback"))
	require.NoError(t, f.p.SuggestOnce(ctx))

	set, err := f.store.GetSuggestionSet(ctx, tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, db.SourceFallback, set.Source)
	require.Len(t, set.Suggestions, 3)
	assert.Equal(t, db.PriorityHigh, set.Suggestions[0].Priority)
	assert.Equal(t, fallbacks+1, testutil.ToFloat64(suggestionOutcomes.WithLabelValues("fallback")))
}

func TestSuggestOnce_GeneratorErrorKeepsExistingSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	f.seedSlowQuery(t, tgt.ID, slowOrders, 2500)

	old := []db.Suggestion{
		{Title: "a", Description: "a", Priority: "low", Category: "x"},
		{Title: "b", Description: "b", Priority: "low", Category: "x"},
		{Title: "c", Description: "c", Priority: "low", Category: "x"},
	}
	require.NoError(t, f.store.UpsertSuggestionSet(ctx, tgt.ID, old, db.SourceAI, time.Now().UTC()))

	f.p.generator = generatorFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("upstream 503")
	})

	failures := testutilFailures(JobSuggest, tgt.ID)
	require.NoError(t, f.p.SuggestOnce(ctx))

	set, err := f.store.GetSuggestionSet(ctx, tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, db.SourceAI, set.Source)
	assert.Equal(t, "a", set.Suggestions[0].Title)
	assert.Equal(t, failures+1, testutilFailures(JobSuggest, tgt.ID))
}
