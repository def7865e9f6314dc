package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bekirdag/mcoda/internal/store"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mcoda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewLedger(st.DB())
}

func ptrF(v float64) *float64 { return &v }
func ptrI(v int64) *int64     { return &v }

func seedEvents(t *testing.T, l *Ledger) {
	t.Helper()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{ProjectKey: "P1", AgentSlug: "agent-a", CommandName: "gateway-trio", Action: "work",
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			DurationMS: ptrI(2000), CostEstimate: ptrF(0.01), Timestamp: base},
		{ProjectKey: "P1", AgentSlug: "agent-a", CommandName: "gateway-trio", Action: "review",
			PromptTokens: 80, CompletionTokens: 20, TotalTokens: 100,
			DurationSeconds: ptrF(1.5), CostEstimate: ptrF(0.02), Timestamp: base.Add(time.Minute)},
		{ProjectKey: "P2", AgentSlug: "agent-b", CommandName: "gateway-trio", Action: "qa",
			PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20,
			Timestamp: base.Add(2 * time.Minute)},
	}
	for _, e := range events {
		require.NoError(t, l.Record(e))
	}
}

func TestSummarizeDefaultGrouping(t *testing.T) {
	l := openTestLedger(t)
	seedEvents(t, l)

	rows, err := l.Summarize(Filter{}, nil)
	require.NoError(t, err)
	// Both P1 events share (project, command, agent) and merge.
	require.Len(t, rows, 2)

	var total int64
	for _, r := range rows {
		total += r.TotalTokens
	}
	assert.Equal(t, int64(270), total)
}

func TestSummarizeDurationPrefersMilliseconds(t *testing.T) {
	l := openTestLedger(t)
	seedEvents(t, l)

	rows, err := l.Summarize(Filter{ProjectKey: "P1"}, []GroupKey{GroupProject})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// 2000ms recorded directly plus 1.5s converted.
	assert.Equal(t, int64(3500), rows[0].DurationMS)
	require.NotNil(t, rows[0].CostEstimate)
	assert.InDelta(t, 0.03, *rows[0].CostEstimate, 1e-9)
}

func TestSummarizeNullCost(t *testing.T) {
	l := openTestLedger(t)
	seedEvents(t, l)

	rows, err := l.Summarize(Filter{ProjectKey: "P2"}, []GroupKey{GroupProject})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].CostEstimate, "cost must be null when every input was null")
}

func TestTokenConservation(t *testing.T) {
	l := openTestLedger(t)
	seedEvents(t, l)

	filter := Filter{Since: "2026-07-01T00:00:00Z"}

	rows, err := l.Summarize(filter, []GroupKey{GroupAgent})
	require.NoError(t, err)
	var summaryTotal int64
	for _, r := range rows {
		summaryTotal += r.TotalTokens
	}

	events, err := l.Query(filter, 1, 1000)
	require.NoError(t, err)
	var queryTotal int64
	for _, e := range events {
		queryTotal += e.TotalTokens
	}

	assert.Equal(t, queryTotal, summaryTotal)
}

func TestQueryOrderingAndPaging(t *testing.T) {
	l := openTestLedger(t)
	seedEvents(t, l)

	page1, err := l.Query(Filter{}, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.True(t, !page1[1].Timestamp.Before(page1[0].Timestamp), "ascending timestamps")

	page2, err := l.Query(Filter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	_, err = l.Query(Filter{}, 0, 10)
	assert.Error(t, err, "page numbering is 1-based")

	_, err = l.Query(Filter{}, 1, MaxPageSize+1)
	assert.Error(t, err, "page size over the cap must be rejected")
}

func TestBadTimeRangeSurfacesFromFilter(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Summarize(Filter{Since: "nonsense"}, nil)
	assert.Error(t, err)
}

func TestUnknownGroupKey(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Summarize(Filter{}, []GroupKey{"bogus"})
	assert.Error(t, err)
}

func TestOptOutStopsRecording(t *testing.T) {
	l := openTestLedger(t)

	cfg, err := l.OptOut(true)
	require.NoError(t, err)
	assert.True(t, cfg.Strict)
	assert.False(t, cfg.LocalRecording, "strict opt-out disables local recording")

	require.NoError(t, l.Record(Event{TotalTokens: 10, Timestamp: time.Now()}))
	events, err := l.Query(Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	cfg, err = l.OptIn()
	require.NoError(t, err)
	assert.True(t, cfg.LocalRecording)

	require.NoError(t, l.Record(Event{TotalTokens: 10, Timestamp: time.Now()}))
	events, err = l.Query(Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestComputeInsights(t *testing.T) {
	events := []Event{
		{DurationMS: ptrI(100), CostEstimate: ptrF(0.01)},
		{DurationMS: ptrI(200), CostEstimate: ptrF(0.02)},
		{DurationMS: ptrI(300)},
		{DurationSeconds: ptrF(0.4)},
	}
	ins := ComputeInsights(events)
	assert.Equal(t, 4, ins.Calls)
	assert.InDelta(t, 250, ins.MeanDurationMS, 1e-9) // (100+200+300+400)/4
	assert.InDelta(t, 0.03, ins.TotalCostUSD, 1e-9)
}
