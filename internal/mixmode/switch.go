// Package mixmode implements the adaptive-minimization mode switch. When
// the mixer input selects the adaptive algorithm variant, the controller
// watches a readiness signal across iterations and, after three consecutive
// ready observations, demotes the configuration to the fixed-step sibling
// variant for the remainder of the run.
package mixmode

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/phibeck/dft-tools/internal/config"
)

// Algorithm variant tokens on the first line of the mixer input artifact.
const (
	VariantAdaptive = "ADAPT"
	VariantFixed    = "FIXED"
)

// saturation is the trigger-counter ceiling; reaching it demotes.
const saturation = 3

// Action is the verdict of one observation.
type Action int

const (
	ActionNone Action = iota
	ActionDemote
)

// Snapshot carries the per-iteration readiness inputs. Ready is the native
// signal; the two secondary flags are the one-off tight-threshold sanity
// checks. Either secondary check failing overrides readiness to false.
type Snapshot struct {
	Ready    bool
	EnergyOK bool
	ChargeOK bool
}

// Switch holds the hysteresis state. Demotion is one-way: once the adaptive
// variant has been demoted it never re-activates within a run.
type Switch struct {
	active  bool
	counter int

	inmixPath   string
	historyPath string
	mixHistGlob string
	slopeLimit  float64
	floor       float64
	logger      *zap.Logger
}

// NewSwitch reads the mixer input artifact to detect the adaptive variant.
// A missing artifact means the mode is simply not active.
func NewSwitch(cfg *config.Config, logger *zap.Logger) (*Switch, error) {
	s := &Switch{
		inmixPath:   cfg.Artifact("inmix"),
		historyPath: cfg.Artifact("history"),
		mixHistGlob: cfg.Artifact("mixhist") + "*",
		slopeLimit:  cfg.SlopeThreshold,
		floor:       config.DefaultStepSizeFloor,
		logger:      logger,
	}

	variant, _, err := readVariant(s.inmixPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	s.active = variant == VariantAdaptive
	return s, nil
}

// Active reports whether the adaptive variant is still in effect.
func (s *Switch) Active() bool { return s.active }

// Counter exposes the trigger counter for the run summary.
func (s *Switch) Counter() int { return s.counter }

// NativeReady derives the per-iteration readiness signal from the slope
// marker the mixer writes to the run history. No marker means not ready.
func (s *Switch) NativeReady() (bool, error) {
	slope, ok, err := LastMarker(s.historyPath, ":SLOPE")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if slope < 0 {
		slope = -slope
	}
	return slope < s.slopeLimit, nil
}

// Observe advances the hysteresis counter. The counter increments only when
// the native signal and both secondary checks agree; any disagreement
// resets it to zero. Reaching saturation returns ActionDemote exactly once.
func (s *Switch) Observe(snap Snapshot) Action {
	if !s.active {
		return ActionNone
	}
	action := ActionNone
	if snap.Ready && snap.EnergyOK && snap.ChargeOK {
		if s.counter < saturation {
			s.counter++
			if s.counter == saturation {
				action = ActionDemote
			}
		}
	} else {
		s.counter = 0
	}
	s.logger.Debug("adaptive-mode readiness observed",
		zap.Bool("ready", snap.Ready),
		zap.Bool("energy_ok", snap.EnergyOK),
		zap.Bool("charge_ok", snap.ChargeOK),
		zap.Int("counter", s.counter))
	return action
}

// Demote switches the mixer input to the fixed-step variant, halves the
// last observed step-size metric (floored at 0.05), discards the
// accumulated mixing history, and disables the adaptive mode for good.
func (s *Switch) Demote() error {
	metric, ok, err := LastMarker(s.historyPath, ":STEP")
	if err != nil {
		return fmt.Errorf("failed to read step-size metric: %w", err)
	}
	step := s.floor
	if ok {
		step = NewStepSize(metric, s.floor)
	}

	if err := s.rewriteInmix(step); err != nil {
		return err
	}
	if err := PurgeMixingHistory(s.mixHistGlob); err != nil {
		return err
	}
	s.active = false
	s.logger.Info("adaptive minimization demoted to fixed-step variant",
		zap.Float64("step_size", step))
	return nil
}

// NewStepSize derives the post-demotion step size from the last observed
// metric: half of it, floored.
func NewStepSize(metric, floor float64) float64 {
	step := metric / 2
	if step < floor {
		return floor
	}
	return step
}

// PurgeMixingHistory removes every artifact matching the mixing-history
// glob. Used by demotion and by the stagnation restart.
func PurgeMixingHistory(glob string) error {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to purge mixing history %s: %w", m, err)
		}
	}
	return nil
}

// MixingHistoryPresent reports whether any mixing-history artifact exists.
func MixingHistoryPresent(glob string) bool {
	matches, err := filepath.Glob(glob)
	return err == nil && len(matches) > 0
}

// rewriteInmix replaces the first line of the mixer input with the fixed
// variant and the new step size, preserving the rest of the file.
func (s *Switch) rewriteInmix(step float64) error {
	data, err := os.ReadFile(s.inmixPath)
	if err != nil {
		return fmt.Errorf("failed to read mixer input: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return fmt.Errorf("mixer input %s is empty", s.inmixPath)
	}
	lines[0] = fmt.Sprintf("%s  %g", VariantFixed, step)
	if err := os.WriteFile(s.inmixPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to rewrite mixer input: %w", err)
	}
	return nil
}

// readVariant returns the algorithm token and step size from the first
// line of the mixer input.
func readVariant(path string) (string, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", 0, fmt.Errorf("mixer input %s is empty", path)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return "", 0, fmt.Errorf("mixer input %s has a blank first line", path)
	}
	step := 0.0
	if len(fields) > 1 {
		step, _ = strconv.ParseFloat(fields[1], 64)
	}
	return fields[0], step, nil
}

// LastMarker scans the run history for the last line starting with the
// given marker tag and returns its numeric value.
func LastMarker(path, tag string) (float64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	var value float64
	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, tag) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			continue
		}
		value = v
		found = true
	}
	if err := scanner.Err(); err != nil {
		return 0, false, err
	}
	return value, found, nil
}
