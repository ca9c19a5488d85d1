package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQueryStageRuns(t *testing.T) {
	l := openTest(t)

	require.NoError(t, l.RecordStage(1, "potential", nil, 0, 120*time.Millisecond))
	require.NoError(t, l.RecordStage(1, "eigen", []string{"-iter", "-fresh"}, 0, time.Second))
	require.NoError(t, l.RecordStage(2, "potential", nil, 0, 110*time.Millisecond))

	last, err := l.LastIteration()
	require.NoError(t, err)
	assert.Equal(t, 2, last)
}

func TestEmptyLedger(t *testing.T) {
	l := openTest(t)
	last, err := l.LastIteration()
	require.NoError(t, err)
	assert.Equal(t, 0, last)

	verdicts, err := l.LatestVerdicts()
	require.NoError(t, err)
	assert.Empty(t, verdicts)
}

func TestLatestVerdictsPerCriterion(t *testing.T) {
	l := openTest(t)

	require.NoError(t, l.RecordVerdict(1, "energy", false, []float64{0.5}))
	require.NoError(t, l.RecordVerdict(1, "charge", false, nil))
	require.NoError(t, l.RecordVerdict(2, "energy", true, []float64{0.5, 0.00001}))

	verdicts, err := l.LatestVerdicts()
	require.NoError(t, err)
	require.Len(t, verdicts, 2)

	byName := map[string]Verdict{}
	for _, v := range verdicts {
		byName[v.Criterion] = v
	}
	assert.True(t, byName["energy"].Converged)
	assert.Equal(t, 2, byName["energy"].Iteration)
	assert.Equal(t, []float64{0.5, 0.00001}, byName["energy"].Deltas)
	assert.False(t, byName["charge"].Converged)
	assert.Nil(t, byName["charge"].Deltas)
}

func TestEvents(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.RecordEvent(5, "mixing-history-purged", "stagnation restart"))
	require.NoError(t, l.RecordEvent(9, "terminated", ""))

	events, err := l.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Contains(t, events[0], "cycle 5")
	assert.Contains(t, events[0], "stagnation restart")
	assert.Equal(t, "cycle 9: terminated", events[1])
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.RecordStage(3, "mixer", nil, 0, time.Millisecond))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	last, err := l2.LastIteration()
	require.NoError(t, err)
	assert.Equal(t, 3, last)
}
