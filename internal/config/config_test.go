package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Base(dir), cfg.CaseName)
	assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, DefaultRebuildPeriod, cfg.RebuildPeriod)
	assert.True(t, cfg.EnergyRequested())
	assert.False(t, cfg.ChargeRequested())
	assert.False(t, cfg.ForceRequested())
	assert.Equal(t, "scf_potential", cfg.Stages.Potential)
	assert.DirExists(t, cfg.WorkDir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
case = "fecr"
max_iterations = 80
restart_interval = 5

[convergence]
energy = 0.00001
charge = 0.0005
force = 0.002
sites = 4

[diag]
iterative = true
rebuild_period = 6
extrapolation = "carry"

[flags]
spin_orbit = true
hartree_fock = true
regen_in1 = true

[stages]
mixer = "mixer2"
check = "scfcheck"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scfrun.toml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "fecr", cfg.CaseName)
	assert.Equal(t, 80, cfg.MaxIterations)
	assert.Equal(t, 5, cfg.RestartInterval)
	assert.InDelta(t, 0.00001, cfg.EnergyThreshold, 1e-12)
	assert.True(t, cfg.ChargeRequested())
	assert.True(t, cfg.ForceRequested())
	assert.Equal(t, 4, cfg.Sites)
	assert.True(t, cfg.IterativeDiag)
	assert.Equal(t, 6, cfg.RebuildPeriod)
	assert.Equal(t, ExtrapolationCarry, cfg.Extrapolation)
	assert.True(t, cfg.SpinOrbit)
	assert.True(t, cfg.HartreeFock)
	assert.True(t, cfg.RegenIn1)
	assert.Equal(t, "mixer2", cfg.Stages.Mixer)
	assert.Equal(t, "scfcheck", cfg.CheckTool)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCFRUN_MAX_ITERATIONS", "7")
	t.Setenv("SCFRUN_CHECK_TOOL", "altcheck")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxIterations)
	assert.Equal(t, "altcheck", cfg.CheckTool)
}

func TestBadExtrapolationRejected(t *testing.T) {
	dir := t.TempDir()
	content := "[diag]\nextrapolation = \"cubic\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scfrun.toml"), []byte(content), 0644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestMissingDirRejected(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestArtifact(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, cfg.CaseName+".in1"), cfg.Artifact("in1"))
}
