// Package cycle drives the self-consistency iteration as an explicit finite
// state machine: Init, StageSelect, ConvergenceCheck, ModeSwitchCheck,
// RestartCheck, SignalCheck, then loop or terminate.
package cycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/phibeck/dft-tools/internal/config"
	"github.com/phibeck/dft-tools/internal/converge"
	"github.com/phibeck/dft-tools/internal/mixmode"
	"github.com/phibeck/dft-tools/internal/pipeline"
	"github.com/phibeck/dft-tools/internal/stage"
	"github.com/phibeck/dft-tools/internal/summary"
)

// Phase is one named state of the controller machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStageSelect
	PhaseConvergenceCheck
	PhaseModeSwitchCheck
	PhaseRestartCheck
	PhaseSignalCheck
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseStageSelect:
		return "stage-select"
	case PhaseConvergenceCheck:
		return "convergence-check"
	case PhaseModeSwitchCheck:
		return "mode-switch-check"
	case PhaseRestartCheck:
		return "restart-check"
	case PhaseSignalCheck:
		return "signal-check"
	case PhaseTerminate:
		return "terminate"
	}
	return "unknown"
}

// Pipe is the per-iteration stage sequence.
type Pipe interface {
	Run(ctx context.Context, iteration int, from pipeline.StageID) error
	ResolveStart() pipeline.StageID
}

// Evaluator is the convergence-check boundary.
type Evaluator interface {
	Evaluate(ctx context.Context, tag, history string, threshold float64) (converge.Result, error)
	EvaluateForce(ctx context.Context, history string, threshold float64, sites int) (bool, []converge.SiteResult, error)
}

// ModeSwitch is the adaptive-minimization switch boundary.
type ModeSwitch interface {
	Active() bool
	NativeReady() (bool, error)
	Observe(mixmode.Snapshot) mixmode.Action
	Demote() error
}

// Signals is the subset of the control-signal box the controller polls.
type Signals interface {
	Stop() bool
	ConsumeAbortAdaptive() bool
}

// Recorder receives verdicts and controller events for the run ledger.
type Recorder interface {
	RecordVerdict(iteration int, criterion string, converged bool, deltas []float64) error
	RecordEvent(iteration int, kind, detail string) error
}

// Controller owns the iteration counters, convergence flags, and the
// transition logic.
type Controller struct {
	cfg     *config.Config
	pipe    Pipe
	eval    Evaluator
	mode    ModeSwitch
	signals Signals
	rec     Recorder
	history *summary.Writer
	logger  *zap.Logger

	state      IterationState
	flags      ConvergenceFlags
	startStage pipeline.StageID

	outcome Outcome
	why     string // detail for the final message
	runErr  error
}

// New wires the controller. rec may be nil when no ledger is attached.
func New(cfg *config.Config, pipe Pipe, eval Evaluator, mode ModeSwitch, signals Signals, rec Recorder, history *summary.Writer, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		pipe:    pipe,
		eval:    eval,
		mode:    mode,
		signals: signals,
		rec:     rec,
		history: history,
		logger:  logger,
	}
}

// Run drives the machine to termination and returns the typed outcome. The
// error is non-nil for fatal faults (stage failure, missing required input,
// check-tool failure) and carries their detail.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	if !c.cfg.EnergyRequested() && !c.cfg.ChargeRequested() && !c.cfg.ForceRequested() {
		return OutcomeStageFailed, errors.New("no convergence criterion requested")
	}

	phase := PhaseInit
	for phase != PhaseTerminate {
		next, err := c.step(ctx, phase)
		if err != nil {
			c.classifyFault(err)
			break
		}
		phase = next
	}

	c.finish()
	return c.outcome, c.runErr
}

// step is the transition function. Every edge of the machine is here.
func (c *Controller) step(ctx context.Context, phase Phase) (Phase, error) {
	switch phase {
	case PhaseInit:
		return c.init()
	case PhaseStageSelect:
		return c.stageSelect(ctx)
	case PhaseConvergenceCheck:
		return c.convergenceCheck(ctx)
	case PhaseModeSwitchCheck:
		return c.modeSwitchCheck(ctx)
	case PhaseRestartCheck:
		return c.restartCheck()
	case PhaseSignalCheck:
		return c.signalCheck()
	default:
		return PhaseTerminate, fmt.Errorf("controller reached invalid phase %v", phase)
	}
}

func (c *Controller) init() (Phase, error) {
	c.state = IterationState{
		Remaining:        c.cfg.MaxIterations,
		RestartCountdown: c.cfg.RestartInterval,
	}
	c.flags = ConvergenceFlags{}
	if c.cfg.EnergyRequested() {
		c.flags.Energy = CritPending
	}
	if c.cfg.ChargeRequested() {
		c.flags.Charge = CritPending
	}
	if c.cfg.ForceRequested() {
		c.flags.Force = CritPending
	}
	c.startStage = c.pipe.ResolveStart()
	if c.startStage != "" {
		c.logger.Info("resuming mid-pipeline", zap.String("start_stage", string(c.startStage)))
	}
	return PhaseStageSelect, nil
}

func (c *Controller) stageSelect(ctx context.Context) (Phase, error) {
	c.state.Iteration++
	c.logger.Info("cycle started",
		zap.Int("iteration", c.state.Iteration),
		zap.Int("remaining", c.state.Remaining))

	from := c.startStage
	c.startStage = "" // the override applies to the first cycle only
	if err := c.pipe.Run(ctx, c.state.Iteration, from); err != nil {
		return PhaseTerminate, err
	}
	return PhaseConvergenceCheck, nil
}

func (c *Controller) convergenceCheck(ctx context.Context) (Phase, error) {
	history := c.history.Path()

	if c.cfg.EnergyRequested() {
		res, err := c.eval.Evaluate(ctx, "energy", history, c.cfg.EnergyThreshold)
		if err != nil {
			return PhaseTerminate, err
		}
		c.setFlag(&c.flags.Energy, res.Converged)
		c.report("energy", res.Converged, res.Deltas)
	}
	if c.cfg.ChargeRequested() {
		res, err := c.eval.Evaluate(ctx, "charge", history, c.cfg.ChargeThreshold)
		if err != nil {
			return PhaseTerminate, err
		}
		c.setFlag(&c.flags.Charge, res.Converged)
		c.report("charge", res.Converged, res.Deltas)
	}
	if c.cfg.ForceRequested() {
		converged, sites, err := c.eval.EvaluateForce(ctx, history, c.cfg.ForceThreshold, c.cfg.Sites)
		if err != nil {
			return PhaseTerminate, err
		}
		c.setFlag(&c.flags.Force, converged)
		last := make([]float64, 0, len(sites))
		for _, s := range sites {
			last = append(last, lastDelta(s.Deltas))
			if c.rec != nil {
				crit := fmt.Sprintf("force[%d]", s.Site)
				if err := c.rec.RecordVerdict(c.state.Iteration, crit, s.Converged, s.Deltas); err != nil {
					c.logger.Warn("failed to record site verdict", zap.Error(err))
				}
			}
		}
		if c.rec != nil {
			if err := c.rec.RecordVerdict(c.state.Iteration, "force", converged, last); err != nil {
				c.logger.Warn("failed to record verdict", zap.Error(err))
			}
		}
		if err := c.history.Verdict("force", converged, converge.MaxDelta(sites)); err != nil {
			c.logger.Warn("failed to append verdict", zap.Error(err))
		}
	}
	return PhaseModeSwitchCheck, nil
}

func (c *Controller) modeSwitchCheck(ctx context.Context) (Phase, error) {
	if !c.mode.Active() {
		return PhaseRestartCheck, nil
	}

	native, err := c.mode.NativeReady()
	if err != nil {
		return PhaseTerminate, err
	}
	// Secondary one-off sanity checks with fixed tight thresholds, not the
	// run's configured ones. Either failing overrides readiness to false.
	energyRes, err := c.eval.Evaluate(ctx, "energy", c.history.Path(), config.TightEnergyThreshold)
	if err != nil {
		return PhaseTerminate, err
	}
	chargeRes, err := c.eval.Evaluate(ctx, "charge", c.history.Path(), config.TightChargeThreshold)
	if err != nil {
		return PhaseTerminate, err
	}

	action := c.mode.Observe(mixmode.Snapshot{
		Ready:    native,
		EnergyOK: energyRes.Converged,
		ChargeOK: chargeRes.Converged,
	})
	if action == mixmode.ActionDemote {
		if err := c.mode.Demote(); err != nil {
			return PhaseTerminate, err
		}
		c.event("adaptive-mode-demoted", "trigger counter saturated")
	}
	return PhaseRestartCheck, nil
}

func (c *Controller) restartCheck() (Phase, error) {
	if c.cfg.RestartInterval <= 0 {
		return PhaseSignalCheck, nil
	}
	c.state.RestartCountdown--
	if c.state.RestartCountdown > 0 {
		return PhaseSignalCheck, nil
	}

	glob := c.cfg.Artifact("mixhist") + "*"
	if mixmode.MixingHistoryPresent(glob) {
		if err := mixmode.PurgeMixingHistory(glob); err != nil {
			return PhaseTerminate, err
		}
		c.event("mixing-history-purged", "stagnation restart")
	}
	c.state.RestartCountdown = c.cfg.RestartInterval
	return PhaseSignalCheck, nil
}

// signalCheck polls the control signals and decides continuation. The
// termination conditions are checked in a fixed order: stop signal, full
// convergence, exhausted budget.
func (c *Controller) signalCheck() (Phase, error) {
	if c.signals.Stop() {
		c.terminate(OutcomeStopped, fmt.Sprintf("stop signal observed after cycle %d", c.state.Iteration))
		return PhaseTerminate, nil
	}

	if c.mode.Active() && c.signals.ConsumeAbortAdaptive() {
		if err := c.mode.Demote(); err != nil {
			return PhaseTerminate, err
		}
		c.event("adaptive-mode-demoted", "abort signal")
	}

	if c.flags.AllRequestedConverged() && !c.mode.Active() {
		c.terminate(OutcomeConverged, fmt.Sprintf("converged in %d cycles", c.state.Iteration))
		return PhaseTerminate, nil
	}

	c.state.Remaining--
	if c.state.Remaining <= 0 {
		if c.flags.Force == CritPending {
			c.terminate(OutcomeForceUnconverged,
				fmt.Sprintf("%d cycles exhausted, forces not converged", c.cfg.MaxIterations))
		} else {
			c.terminate(OutcomeUnconverged,
				fmt.Sprintf("%d cycles exhausted without convergence", c.cfg.MaxIterations))
		}
		return PhaseTerminate, nil
	}

	return PhaseStageSelect, nil
}

// classifyFault maps a propagated error onto the terminal outcome taxonomy.
func (c *Controller) classifyFault(err error) {
	c.runErr = err
	var execErr *stage.ExecError
	switch {
	case errors.Is(err, stage.ErrMissingInput):
		c.terminate(OutcomeMissingInput, err.Error())
	case errors.As(err, &execErr):
		c.terminate(OutcomeStageFailed, err.Error())
	default:
		c.terminate(OutcomeStageFailed, err.Error())
	}
}

func (c *Controller) event(kind, detail string) {
	if c.rec != nil {
		if err := c.rec.RecordEvent(c.state.Iteration, kind, detail); err != nil {
			c.logger.Warn("failed to record event", zap.Error(err))
		}
	}
	if err := c.history.Event(fmt.Sprintf("%s: %s", kind, detail)); err != nil {
		c.logger.Warn("failed to append event", zap.Error(err))
	}
	c.logger.Info("controller event",
		zap.Int("iteration", c.state.Iteration),
		zap.String("event", kind),
		zap.String("detail", detail))
}

func (c *Controller) terminate(o Outcome, why string) {
	c.outcome = o
	c.why = why
}

// finish writes the final message on every termination path.
func (c *Controller) finish() {
	msg := c.outcome.String()
	if c.why != "" {
		msg = fmt.Sprintf("%s: %s", msg, c.why)
	}
	if err := c.history.Final(msg); err != nil {
		c.logger.Warn("failed to write final message", zap.Error(err))
	}
	if c.rec != nil {
		if err := c.rec.RecordEvent(c.state.Iteration, "terminated", msg); err != nil {
			c.logger.Warn("failed to record termination", zap.Error(err))
		}
	}
	c.logger.Info("run finished",
		zap.Int("iterations", c.state.Iteration),
		zap.String("outcome", c.outcome.String()))
}

// State exposes the counters for tests and the status command.
func (c *Controller) State() IterationState { return c.state }

// Flags exposes the convergence flags.
func (c *Controller) Flags() ConvergenceFlags { return c.flags }

func (c *Controller) setFlag(flag *CritState, converged bool) {
	if *flag == CritNotRequested {
		return
	}
	if converged {
		*flag = CritConverged
	} else {
		*flag = CritPending
	}
}

func (c *Controller) report(criterion string, converged bool, deltas []float64) {
	if c.rec != nil {
		if err := c.rec.RecordVerdict(c.state.Iteration, criterion, converged, deltas); err != nil {
			c.logger.Warn("failed to record verdict", zap.Error(err))
		}
	}
	if err := c.history.Verdict(criterion, converged, lastDelta(deltas)); err != nil {
		c.logger.Warn("failed to append verdict", zap.Error(err))
	}
	c.logger.Info("convergence verdict",
		zap.Int("iteration", c.state.Iteration),
		zap.String("criterion", criterion),
		zap.Bool("converged", converged))
}

func lastDelta(deltas []float64) float64 {
	if len(deltas) == 0 {
		return 0
	}
	return deltas[len(deltas)-1]
}
