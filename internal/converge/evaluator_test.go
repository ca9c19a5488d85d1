package converge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTool(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "check")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestEvaluateConverged(t *testing.T) {
	dir := t.TempDir()
	tool := writeTool(t, dir, "echo 0.01\necho 0.0002\nexit 0\n")
	e := NewEvaluator(tool, dir, zap.NewNop())

	res, err := e.Evaluate(context.Background(), "energy", "case.history", 0.001)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, []float64{0.01, 0.0002}, res.Deltas)
}

func TestEvaluateNotConverged(t *testing.T) {
	dir := t.TempDir()
	tool := writeTool(t, dir, "echo 0.5\nexit 1\n")
	e := NewEvaluator(tool, dir, zap.NewNop())

	res, err := e.Evaluate(context.Background(), "charge", "case.history", 0.001)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, []float64{0.5}, res.Deltas)
}

func TestEvaluateToolFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	tool := writeTool(t, dir, "echo broken history >&2\nexit 3\n")
	e := NewEvaluator(tool, dir, zap.NewNop())

	_, err := e.Evaluate(context.Background(), "energy", "case.history", 0.001)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
	assert.Contains(t, err.Error(), "broken history")
}

func TestEvaluateMissingToolIsFatal(t *testing.T) {
	dir := t.TempDir()
	e := NewEvaluator(filepath.Join(dir, "no-such-tool"), dir, zap.NewNop())
	_, err := e.Evaluate(context.Background(), "energy", "case.history", 0.001)
	require.Error(t, err)
}

func TestEvaluateForceReducesByAnd(t *testing.T) {
	dir := t.TempDir()
	// Site 2 is not converged; sites 1 and 3 are.
	tool := writeTool(t, dir, `site=0
while [ $# -gt 0 ]; do
  if [ "$1" = "-site" ]; then site=$2; fi
  shift
done
echo "0.00$site"
if [ "$site" = "2" ]; then exit 1; fi
exit 0
`)
	e := NewEvaluator(tool, dir, zap.NewNop())

	converged, sites, err := e.EvaluateForce(context.Background(), "case.history", 0.001, 3)
	require.NoError(t, err)
	assert.False(t, converged, "one unconverged site fails the criterion")
	require.Len(t, sites, 3)
	assert.True(t, sites[0].Converged)
	assert.False(t, sites[1].Converged)
	assert.True(t, sites[2].Converged)
	assert.InDelta(t, 0.003, MaxDelta(sites), 1e-12)
}

func TestParseDeltasSkipsNoise(t *testing.T) {
	deltas, err := parseDeltas("0.1\n\nnot-a-number\n-0.02 trailing text\n")
	require.Error(t, err)
	assert.Equal(t, []float64{0.1, -0.02}, deltas)
}
