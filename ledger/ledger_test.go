package ledger_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetlab/fetbench/ledger"
	"github.com/fetlab/fetbench/sensing"
	"github.com/fetlab/fetbench/stability"
)

func setupTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	clock := time.Date(2024, 2, 19, 12, 0, 0, 0, time.UTC)
	l.Now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return l
}

func TestRecordStability(t *testing.T) {
	l := setupTestLedger(t)
	res := stability.Result{
		Verdict:   stability.Stabilized,
		Step:      18,
		Responses: []float64{0.5, 0.1, 0.1002},
		Directory: "02192024-dut-stability",
	}
	id, err := l.RecordStability("dut", "stability", res)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	runs, err := l.Runs("dut", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].RunID)
	assert.Equal(t, "stabilized", runs[0].Verdict)
	assert.Equal(t, 18, runs[0].Steps)
	assert.InDelta(t, 0.1002, runs[0].FinalResponse, 1e-12)
	assert.Equal(t, "02192024-dut-stability", runs[0].Directory)
}

func TestRunsNewestFirstAndFiltered(t *testing.T) {
	l := setupTestLedger(t)
	first, err := l.RecordStability("a", "stability", stability.Result{Verdict: stability.Exhausted})
	require.NoError(t, err)
	second, err := l.RecordStability("b", "stability", stability.Result{Verdict: stability.DeviceFault})
	require.NoError(t, err)

	runs, err := l.Runs("", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].RunID)
	assert.Equal(t, first, runs[1].RunID)

	runs, err = l.Runs("a", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "exhausted", runs[0].Verdict)

	runs, err = l.Runs("", 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSensingRun(t *testing.T) {
	l := setupTestLedger(t)
	id, err := l.StartSensing("dut", "sensing")
	require.NoError(t, err)

	results := []sensing.ConcentrationResult{
		{Label: "PBS", Mean: 5, Corrected: 0, Directory: "d"},
		{Label: "1nM", Mean: 5, Corrected: 0, Directory: "d"},
		{Label: "10nM", Mean: 7, Corrected: 2, Directory: "d"},
	}
	for i, r := range results {
		require.NoError(t, l.RecordCondition(id, i, r))
	}
	require.NoError(t, l.FinishSensing(id))

	conds, err := l.Conditions(id)
	require.NoError(t, err)
	require.Len(t, conds, 3)
	assert.Equal(t, "10nM", conds[2].Label)
	assert.Equal(t, 2.0, conds[2].Corrected)

	runs, err := l.Runs("dut", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.Complete, runs[0].Verdict)
	assert.Equal(t, 3, runs[0].Steps)

	assert.Error(t, l.RecordCondition(id, 0, results[0]), "a repeated sequence number is rejected")
	assert.Error(t, l.FinishSensing("no-such-run"))
}
