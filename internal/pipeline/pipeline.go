// Package pipeline sequences the external stages of one self-consistency
// iteration: potential, eigenproblem, spin-orbit, density, semicore pair,
// core, superposition, summary aggregation, artifact rotation, and mixing.
// Later stages consume artifacts earlier ones wrote; the order is fixed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/phibeck/dft-tools/internal/config"
	"github.com/phibeck/dft-tools/internal/converge"
	"github.com/phibeck/dft-tools/internal/diag"
	"github.com/phibeck/dft-tools/internal/stage"
	"github.com/phibeck/dft-tools/internal/summary"
)

// StageID names a pipeline position; usable as a start override.
type StageID string

const (
	StageGradPotential   StageID = "potential-grad"
	StagePotential       StageID = "potential"
	StageEigen           StageID = "eigen"
	StageSpinOrbit       StageID = "spinorbit"
	StageDensity         StageID = "density"
	StageEigenSemicore   StageID = "eigen-sc"
	StageDensitySemicore StageID = "density-sc"
	StageCore            StageID = "core"
	StageSuperpose       StageID = "superpose"
	StageMixer           StageID = "mixer"
	StageResponseMixer   StageID = "mixer-resp"
)

// ForceGate is the force-convergence sub-check that decides whether the
// regenerated eigenproblem input replaces the current one.
type ForceGate interface {
	Evaluate(ctx context.Context, tag, history string, threshold float64) (converge.Result, error)
}

// Pipeline runs the stage sequence for one iteration.
type Pipeline struct {
	cfg     *config.Config
	runner  *stage.Runner
	diag    *diag.State
	gate    ForceGate
	history *summary.Writer
	logger  *zap.Logger

	// complex arithmetic is detected once from the presence of the complex
	// eigenproblem input artifact.
	complex bool
	// semicore pair runs when its input artifact is present.
	semicore bool
}

// New builds the pipeline, detecting the complex-arithmetic and semicore
// branches from input artifacts.
func New(cfg *config.Config, runner *stage.Runner, diagState *diag.State, gate ForceGate, history *summary.Writer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		runner:   runner,
		diag:     diagState,
		gate:     gate,
		history:  history,
		logger:   logger,
		complex:  artifactPresent(cfg.Artifact("in1c")),
		semicore: artifactPresent(cfg.Artifact("in1sc")),
	}
}

// step is one executable position in the sequence.
type step struct {
	id       StageID
	enabled  bool
	optional bool // missing required input skips the stage instead of failing
	run      func(ctx context.Context, iteration int) error
}

func (p *Pipeline) steps() []step {
	cfg := p.cfg
	return []step{
		{
			id:      StageGradPotential,
			enabled: cfg.GradPotential,
			run: func(ctx context.Context, it int) error {
				return p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StageGradPotential),
					Program:       cfg.Stages.Potential,
					Args:          p.withCommon("-grad"),
					RequiredInput: cfg.Artifact("in0"),
				})
			},
		},
		{
			id:      StagePotential,
			enabled: true,
			run: func(ctx context.Context, it int) error {
				return p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StagePotential),
					Program:       cfg.Stages.Potential,
					Args:          p.withCommon(),
					RequiredInput: cfg.Artifact("in0"),
				})
			},
		},
		{
			id:      StageEigen,
			enabled: true,
			run:     p.runEigen,
		},
		{
			id:       StageSpinOrbit,
			enabled:  cfg.SpinOrbit,
			optional: true,
			run: func(ctx context.Context, it int) error {
				return p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StageSpinOrbit),
					Program:       cfg.Stages.SpinOrbit,
					Args:          p.withCommon(),
					RequiredInput: cfg.Artifact("inso"),
				})
			},
		},
		{
			id:      StageDensity,
			enabled: true,
			run:     p.runDensity,
		},
		{
			id:       StageEigenSemicore,
			enabled:  p.semicore,
			optional: true,
			run: func(ctx context.Context, it int) error {
				return p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StageEigenSemicore),
					Program:       cfg.Stages.Eigen,
					Args:          p.withCommon("-semicore"),
					RequiredInput: cfg.Artifact("in1sc"),
				})
			},
		},
		{
			id:       StageDensitySemicore,
			enabled:  p.semicore,
			optional: true,
			run: func(ctx context.Context, it int) error {
				return p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StageDensitySemicore),
					Program:       cfg.Stages.Density,
					Args:          p.withCommon("-semicore"),
					RequiredInput: cfg.Artifact("in2sc"),
				})
			},
		},
		{
			id:       StageCore,
			enabled:  true,
			optional: true,
			run: func(ctx context.Context, it int) error {
				return p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StageCore),
					Program:       cfg.Stages.Core,
					Args:          p.withCommon(),
					RequiredInput: cfg.Artifact("inc"),
				})
			},
		},
		{
			id:       StageSuperpose,
			enabled:  cfg.Superpose,
			optional: true,
			run: func(ctx context.Context, it int) error {
				return p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StageSuperpose),
					Program:       cfg.Stages.Superpose,
					Args:          p.withCommon(),
					RequiredInput: cfg.Artifact("insup"),
				})
			},
		},
		{
			id:      StageMixer,
			enabled: true,
			run:     p.runMixer,
		},
		{
			id:       StageResponseMixer,
			enabled:  cfg.ResponseMix,
			optional: true,
			run: func(ctx context.Context, it int) error {
				if err := p.runner.Run(ctx, it, stage.Invocation{
					Name:          string(StageResponseMixer),
					Program:       cfg.Stages.Mixer,
					Args:          p.withCommon("-resp"),
					RequiredInput: cfg.Artifact("inmixr"),
				}); err != nil {
					return err
				}
				return p.history.AppendFile(p.sumFile(StageResponseMixer))
			},
		},
	}
}

// Run executes one iteration starting at from (empty means the beginning).
// Missing required input on an optional stage is a routed skip; on a
// required stage the wrapped stage.ErrMissingInput propagates.
func (p *Pipeline) Run(ctx context.Context, iteration int, from StageID) error {
	started := from == ""
	for _, st := range p.steps() {
		if !started {
			if st.id != from {
				continue
			}
			started = true
		}
		if !st.enabled {
			continue
		}
		err := st.run(ctx, iteration)
		if err != nil {
			if st.optional && errors.Is(err, stage.ErrMissingInput) {
				p.logger.Info("optional stage skipped, input absent",
					zap.Int("iteration", iteration), zap.String("stage", string(st.id)))
				continue
			}
			return err
		}
	}
	if !started {
		return fmt.Errorf("unknown start stage %q", from)
	}
	return nil
}

// Plan lists the stage IDs that would run this iteration, for --dry-run.
func (p *Pipeline) Plan() []StageID {
	var out []StageID
	for _, st := range p.steps() {
		if st.enabled {
			out = append(out, st.id)
		}
	}
	return out
}

// ResolveStart picks the first stage of the first iteration: a configured
// override wins; otherwise a present potential artifact means the potential
// stage already ran and the cycle resumes at the eigenproblem.
func (p *Pipeline) ResolveStart() StageID {
	if p.cfg.StartStage != "" {
		return StageID(p.cfg.StartStage)
	}
	if artifactPresent(p.cfg.Artifact("pot")) && !artifactPresent(p.cfg.Artifact("dens")) {
		return StageEigen
	}
	return ""
}

// runEigen applies the force gate to the regenerated input, then invokes
// the eigenproblem stage with the diagonalization-mode flags.
func (p *Pipeline) runEigen(ctx context.Context, iteration int) error {
	if err := p.adoptRegeneratedInput(ctx); err != nil {
		return err
	}
	mode := p.diag.Decide(iteration)
	args := p.withCommon(p.diag.Flags(mode)...)
	return p.runner.Run(ctx, iteration, stage.Invocation{
		Name:          string(StageEigen),
		Program:       p.cfg.Stages.Eigen,
		Args:          args,
		RequiredInput: p.cfg.Artifact("in1"),
	})
}

// adoptRegeneratedInput relabels the regenerated eigenproblem input over
// the current one once the force sub-check reports convergence. The old
// file is kept under the previous-convention label.
func (p *Pipeline) adoptRegeneratedInput(ctx context.Context) error {
	if !p.cfg.RegenIn1 || !p.cfg.ForceRequested() {
		return nil
	}
	next := p.cfg.Artifact("in1_next")
	if !artifactPresent(next) {
		return nil
	}
	res, err := p.gate.Evaluate(ctx, "force", p.history.Path(), p.cfg.ForceThreshold)
	if err != nil {
		return err
	}
	if !res.Converged {
		return nil
	}
	current := p.cfg.Artifact("in1")
	if err := os.Rename(current, p.cfg.Artifact("in1_prev")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to relabel eigenproblem input: %w", err)
	}
	if err := os.Rename(next, current); err != nil {
		return fmt.Errorf("failed to adopt regenerated eigenproblem input: %w", err)
	}
	p.logger.Info("regenerated eigenproblem input adopted")
	return nil
}

// runDensity runs the response/density stage. In the Hartree-Fock
// configuration it runs twice: a full-Brillouin-zone pass followed by an
// irreducible-zone pass, each against its precomputed k-point artifact.
func (p *Pipeline) runDensity(ctx context.Context, iteration int) error {
	if !p.cfg.HartreeFock {
		return p.runner.Run(ctx, iteration, stage.Invocation{
			Name:          string(StageDensity),
			Program:       p.cfg.Stages.Density,
			Args:          p.densityArgs(),
			RequiredInput: p.cfg.Artifact("in2"),
		})
	}

	for _, pass := range []struct {
		kset string
		src  string
	}{
		{"full", p.cfg.Artifact("kpts_full")},
		{"irr", p.cfg.Artifact("kpts_irr")},
	} {
		if err := copyFile(pass.src, p.cfg.Artifact("kpts")); err != nil {
			return fmt.Errorf("%s k-point set: %w", pass.kset, wrapMissing(err))
		}
		if err := p.runner.Run(ctx, iteration, stage.Invocation{
			Name:          string(StageDensity),
			Program:       p.cfg.Stages.Density,
			Args:          append(p.densityArgs(), "-kset", pass.kset),
			RequiredInput: p.cfg.Artifact("in2"),
		}); err != nil {
			return err
		}
	}
	return nil
}

// runMixer aggregates the cycle's stage summaries into the history, rotates
// the previous potential/density artifacts, runs the density-mixing stage,
// and appends its summary so the convergence check sees it.
func (p *Pipeline) runMixer(ctx context.Context, iteration int) error {
	if err := p.history.IterationHeader(iteration); err != nil {
		return err
	}
	for _, id := range []StageID{
		StageGradPotential, StagePotential, StageEigen, StageSpinOrbit,
		StageDensity, StageEigenSemicore, StageDensitySemicore,
		StageCore, StageSuperpose,
	} {
		if err := p.history.AppendFile(p.sumFile(id)); err != nil {
			return err
		}
	}

	if err := p.savePrevious(); err != nil {
		return err
	}

	if err := p.runner.Run(ctx, iteration, stage.Invocation{
		Name:          string(StageMixer),
		Program:       p.cfg.Stages.Mixer,
		Args:          p.withCommon(),
		RequiredInput: p.cfg.Artifact("inmix"),
	}); err != nil {
		return err
	}
	return p.history.AppendFile(p.sumFile(StageMixer))
}

// savePrevious keeps the last cycle's potential and density under .prev
// labels before the mixer overwrites them.
func (p *Pipeline) savePrevious() error {
	for _, ext := range []string{"pot", "dens"} {
		src := p.cfg.Artifact(ext)
		if !artifactPresent(src) {
			continue
		}
		if err := copyFile(src, src+".prev"); err != nil {
			return fmt.Errorf("failed to save previous %s artifact: %w", ext, err)
		}
	}
	return nil
}

func (p *Pipeline) densityArgs() []string {
	args := p.withCommon()
	if p.cfg.SpinOrbit {
		args = append(args, "-so")
	}
	return args
}

// withCommon prepends the flags shared by every stage: parallel execution
// and complex arithmetic.
func (p *Pipeline) withCommon(extra ...string) []string {
	var args []string
	if p.cfg.Parallel {
		args = append(args, "-p")
	}
	if p.complex {
		args = append(args, "-c")
	}
	return append(args, extra...)
}

func (p *Pipeline) sumFile(id StageID) string {
	return p.cfg.Artifact("sum_" + string(id))
}

func artifactPresent(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// wrapMissing maps a not-exist error onto the missing-input branch so the
// controller reports it with the dedicated status.
func wrapMissing(err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%v: %w", err, stage.ErrMissingInput)
	}
	return err
}
