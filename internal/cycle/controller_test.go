package cycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/phibeck/dft-tools/internal/config"
	"github.com/phibeck/dft-tools/internal/converge"
	"github.com/phibeck/dft-tools/internal/mixmode"
	"github.com/phibeck/dft-tools/internal/pipeline"
	"github.com/phibeck/dft-tools/internal/stage"
	"github.com/phibeck/dft-tools/internal/summary"
)

type fakePipe struct {
	start pipeline.StageID
	froms []pipeline.StageID
	errAt int // iteration at which Run fails; 0 never
	err   error
}

func (f *fakePipe) Run(ctx context.Context, iteration int, from pipeline.StageID) error {
	f.froms = append(f.froms, from)
	if f.errAt != 0 && iteration == f.errAt {
		return f.err
	}
	return nil
}

func (f *fakePipe) ResolveStart() pipeline.StageID { return f.start }

// fakeEval scripts verdicts per criterion. Calls with a tight threshold
// (the secondary sanity checks) are answered from the tight map.
type fakeEval struct {
	calls   int
	energy  func(iteration int) bool
	charge  func(iteration int) bool
	force   func(iteration int) bool
	tight   map[string]bool
	current *Controller
}

func (f *fakeEval) Evaluate(ctx context.Context, tag, history string, threshold float64) (converge.Result, error) {
	if threshold == config.TightEnergyThreshold || threshold == config.TightChargeThreshold {
		return converge.Result{Converged: f.tight[tag]}, nil
	}
	it := f.current.State().Iteration
	var ok bool
	switch tag {
	case "energy":
		ok = f.energy(it)
	case "charge":
		ok = f.charge(it)
	}
	return converge.Result{Converged: ok, Deltas: []float64{0.1, 0.01}}, nil
}

func (f *fakeEval) EvaluateForce(ctx context.Context, history string, threshold float64, sites int) (bool, []converge.SiteResult, error) {
	it := f.current.State().Iteration
	ok := f.force(it)
	results := make([]converge.SiteResult, sites)
	for i := range results {
		results[i] = converge.SiteResult{Site: i + 1, Converged: ok, Deltas: []float64{0.01}}
	}
	return ok, results, nil
}

type fakeMode struct {
	active   bool
	ready    bool
	action   mixmode.Action
	observed []mixmode.Snapshot
	demoted  int
}

func (f *fakeMode) Active() bool               { return f.active }
func (f *fakeMode) NativeReady() (bool, error) { return f.ready, nil }
func (f *fakeMode) Observe(s mixmode.Snapshot) mixmode.Action {
	f.observed = append(f.observed, s)
	return f.action
}
func (f *fakeMode) Demote() error {
	f.demoted++
	f.active = false
	return nil
}

type fakeSignals struct {
	stop  bool
	abort bool
}

func (f *fakeSignals) Stop() bool { return f.stop }
func (f *fakeSignals) ConsumeAbortAdaptive() bool {
	v := f.abort
	f.abort = false
	return v
}

func never(int) bool  { return false }
func always(int) bool { return true }

type fixture struct {
	cfg     *config.Config
	pipe    *fakePipe
	eval    *fakeEval
	mode    *fakeMode
	signals *fakeSignals
	ctrl    *Controller
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		CaseName:        "tc",
		CaseDir:         dir,
		MaxIterations:   10,
		EnergyThreshold: 0.0001,
		Sites:           1,
	}
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{
		cfg:     cfg,
		pipe:    &fakePipe{},
		eval:    &fakeEval{energy: never, charge: never, force: never, tight: map[string]bool{}},
		mode:    &fakeMode{},
		signals: &fakeSignals{},
	}
	history := summary.NewWriter(cfg.Artifact("history"))
	f.ctrl = New(cfg, f.pipe, f.eval, f.mode, f.signals, nil, history, zap.NewNop())
	f.eval.current = f.ctrl
	return f
}

func (f *fixture) run(t *testing.T) Outcome {
	t.Helper()
	outcome, _ := f.ctrl.Run(context.Background())
	return outcome
}

func TestTerminatesOnceConverged(t *testing.T) {
	f := newFixture(t, nil)
	f.eval.energy = func(it int) bool { return it >= 2 }

	assert.Equal(t, OutcomeConverged, f.run(t))
	assert.Equal(t, 2, f.ctrl.State().Iteration)
	assert.Equal(t, CritConverged, f.ctrl.Flags().Energy)
	assert.Equal(t, CritNotRequested, f.ctrl.Flags().Charge)
}

func TestStopSignalTerminatesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.signals.stop = true

	assert.Equal(t, OutcomeStopped, f.run(t))
	assert.Equal(t, 1, f.ctrl.State().Iteration, "stop is observed at the first iteration boundary")
}

func TestBudgetExhaustedForcePending(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MaxIterations = 3
		cfg.ForceThreshold = 0.001
		cfg.Sites = 3
	})
	f.eval.energy = always

	assert.Equal(t, OutcomeForceUnconverged, f.run(t))
	assert.Equal(t, 3, f.ctrl.State().Iteration)
}

func TestBudgetExhaustedEnergyPending(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxIterations = 3 })

	assert.Equal(t, OutcomeUnconverged, f.run(t))
	assert.Equal(t, 3, f.ctrl.State().Iteration)
}

func TestMissingInputOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.pipe.errAt = 1
	f.pipe.err = fmt.Errorf("stage potential: %w", stage.ErrMissingInput)

	outcome, err := f.ctrl.Run(context.Background())
	assert.Equal(t, OutcomeMissingInput, outcome)
	require.Error(t, err)
}

func TestStageFailureOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.pipe.errAt = 2
	f.pipe.err = &stage.ExecError{Stage: "mixer", ExitCode: 9}

	outcome, err := f.ctrl.Run(context.Background())
	assert.Equal(t, OutcomeStageFailed, outcome)
	require.Error(t, err)
	assert.Equal(t, 2, f.ctrl.State().Iteration, "no retry after a stage failure")
}

func TestStartStageAppliesToFirstIterationOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.pipe.start = pipeline.StageEigen
	f.eval.energy = func(it int) bool { return it >= 3 }

	assert.Equal(t, OutcomeConverged, f.run(t))
	require.Len(t, f.pipe.froms, 3)
	assert.Equal(t, pipeline.StageEigen, f.pipe.froms[0])
	assert.Equal(t, pipeline.StageID(""), f.pipe.froms[1])
	assert.Equal(t, pipeline.StageID(""), f.pipe.froms[2])
}

func TestRestartPurgesMixingHistory(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MaxIterations = 6
		cfg.RestartInterval = 5
	})
	mixhist := f.cfg.Artifact("mixhist") + "1"
	require.NoError(t, os.WriteFile(mixhist, []byte("x"), 0644))

	assert.Equal(t, OutcomeUnconverged, f.run(t))
	_, err := os.Stat(mixhist)
	assert.True(t, os.IsNotExist(err), "history purged when the countdown reached zero")
}

func TestRestartWithoutArtifactDoesNothing(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MaxIterations = 6
		cfg.RestartInterval = 5
	})
	assert.Equal(t, OutcomeUnconverged, f.run(t))

	matches, err := filepath.Glob(f.cfg.Artifact("mixhist") + "*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAdaptiveModePendingBlocksConvergedTermination(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxIterations = 3 })
	f.eval.energy = always
	f.mode.active = true

	// Everything converged, but the adaptive mode never demotes: the run
	// must keep iterating and end on the exhausted-budget path.
	assert.Equal(t, OutcomeUnconverged, f.run(t))
	assert.Equal(t, 3, f.ctrl.State().Iteration)
}

func TestAbortSignalDemotesOutOfBand(t *testing.T) {
	f := newFixture(t, nil)
	f.eval.energy = always
	f.mode.active = true
	f.signals.abort = true

	// Demotion via the abort signal clears the pending mode, so the same
	// iteration terminates converged.
	assert.Equal(t, OutcomeConverged, f.run(t))
	assert.Equal(t, 1, f.mode.demoted)
	assert.Equal(t, 1, f.ctrl.State().Iteration)
}

func TestModeSwitchObservationCarriesSecondaryChecks(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxIterations = 1 })
	f.mode.active = true
	f.mode.ready = true
	f.eval.tight = map[string]bool{"energy": true, "charge": false}

	f.run(t)
	require.Len(t, f.mode.observed, 1)
	snap := f.mode.observed[0]
	assert.True(t, snap.Ready)
	assert.True(t, snap.EnergyOK)
	assert.False(t, snap.ChargeOK)
}

func TestDemoteOnSaturatedCounter(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxIterations = 2 })
	f.mode.active = true
	f.mode.action = mixmode.ActionDemote
	f.eval.energy = always
	f.eval.tight = map[string]bool{"energy": true, "charge": true}

	// The demotion fires in iteration 1's mode-switch check; termination
	// then happens in the same iteration's signal check.
	assert.Equal(t, OutcomeConverged, f.run(t))
	assert.Equal(t, 1, f.mode.demoted)
}

func TestNoCriterionRequestedIsRejected(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.EnergyThreshold = 0 })
	_, err := f.ctrl.Run(context.Background())
	require.Error(t, err)
}

func TestFinalMessageWritten(t *testing.T) {
	f := newFixture(t, nil)
	f.eval.energy = always

	f.run(t)
	data, err := os.ReadFile(f.cfg.Artifact("history"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ":DONE")
	assert.Contains(t, string(data), "converged")
}
