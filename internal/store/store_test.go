package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/agentloop/internal/report"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func buildReport(termination report.Termination, finished time.Time, results ...tools.Result) *report.Report {
	return report.Build(report.Input{
		ConversationID: "conv-" + string(termination),
		Termination:    termination,
		Iterations:     2,
		MaxIterations:  10,
		FinalMessage:   "done",
		Results:        results,
		StartedAt:      finished.Add(-time.Second),
		FinishedAt:     finished,
	})
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := buildReport(report.TerminationCompleted, at,
		tools.Result{ToolCallID: "c1", ToolName: "search", Arguments: map[string]interface{}{"query": "x"}, Result: "hit", Duration: time.Millisecond},
		tools.Result{ToolCallID: "c2", ToolName: "click", Error: "not found", ErrorType: tools.ErrKindNotFound},
	)

	require.NoError(t, s.Save(r))
	got, err := s.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, *r, *got)

	// saving again replaces
	require.NoError(t, s.Save(r))
	records, err := s.List(0, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, report.StatusPartialSuccess, records[0].Status)
	assert.Equal(t, report.TerminationCompleted, records[0].Termination)
	assert.Equal(t, 2, records[0].ToolCalls)
	assert.Equal(t, 2, records[0].Iterations)
	assert.WithinDuration(t, at, records[0].CreatedAt, time.Second)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete("nope"), ErrNotFound)
}

func TestSaveRequiresID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Save(&report.Report{}))
	assert.Error(t, s.Save(nil))
}

func TestListFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	first := buildReport(report.TerminationCompleted, base)
	second := buildReport(report.TerminationCancelled, base.Add(time.Minute))
	third := buildReport(report.TerminationCompleted, base.Add(2*time.Minute))
	for _, r := range []*report.Report{first, second, third} {
		require.NoError(t, s.Save(r))
	}

	all, err := s.List(0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := s.List(2, "")
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	stopped, err := s.List(10, report.StatusStopped)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, second.ID, stopped[0].ID)

	none, err := s.List(10, report.StatusError)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteCascadesToolTotals(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := buildReport(report.TerminationCompleted, at,
		tools.Result{ToolCallID: "1", ToolName: "search", Result: "x"},
		tools.Result{ToolCallID: "2", ToolName: "search", Error: "boom"},
	)
	b := buildReport(report.TerminationCompleted, at.Add(time.Minute),
		tools.Result{ToolCallID: "3", ToolName: "search", Result: "y"},
		tools.Result{ToolCallID: "4", ToolName: "click", Result: "ok"},
	)
	require.NoError(t, s.Save(a))
	require.NoError(t, s.Save(b))

	totals, err := s.ToolTotals()
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, "search", totals[0].Name)
	assert.Equal(t, 2, totals[0].Runs)
	assert.Equal(t, 3, totals[0].Calls)
	assert.Equal(t, 1, totals[0].Failures)
	assert.InDelta(t, 33.33, totals[0].FailureRate, 0.01)
	assert.Equal(t, "click", totals[1].Name)

	require.NoError(t, s.Delete(a.ID))
	totals, err = s.ToolTotals()
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, 1, totals[0].Calls)
	assert.Equal(t, 0, totals[0].Failures)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	s, err := Open(path)
	require.NoError(t, err)
	r := buildReport(report.TerminationExhausted, time.Now())
	require.NoError(t, s.Save(r))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusMaxIterations, got.Status)
	assert.Equal(t, path, s.Path())
}
