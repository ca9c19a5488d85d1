// Package diag tracks how the per-iteration eigenproblem may reuse cached
// state: reuse the cached eigenbasis, rebuild the cached inverse operator,
// or diagonalize from scratch.
package diag

import (
	"go.uber.org/zap"

	"github.com/phibeck/dft-tools/internal/config"
)

// Mode is the diagonalization strategy for one iteration.
type Mode int

const (
	// ModeOff means iterative diagonalization is disabled; the eigenproblem
	// stage receives no cache flags at all.
	ModeOff Mode = iota
	// ModeFull diagonalizes from scratch, discarding cached state.
	ModeFull
	// ModeReuseBasis reuses both the cached eigenbasis and the cached
	// inverse operator.
	ModeReuseBasis
	// ModeRebuildInverse reuses the cached eigenbasis but rebuilds the
	// cached inverse operator from it.
	ModeRebuildInverse
	// ModeRebuildInverseNoCache reuses the eigenbasis without touching any
	// inverse cache.
	ModeRebuildInverseNoCache
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeFull:
		return "full"
	case ModeReuseBasis:
		return "reuse-basis"
	case ModeRebuildInverse:
		return "rebuild-inverse"
	case ModeRebuildInverseNoCache:
		return "rebuild-inverse-no-cache"
	}
	return "unknown"
}

// Signals is the subset of the control-signal box the state machine reads.
type Signals interface {
	ConsumeFullDiag() bool
	ConsumeDropInverse() bool
}

// State decides the mode at the start of each iteration from the previous
// iteration's recommendation, the periodic rebuild trigger, and pending
// one-shot signals.
type State struct {
	enabled       bool
	rebuildPeriod int
	extrapolation config.Extrapolation
	signals       Signals
	logger        *zap.Logger

	// next is the baseline recommendation carried from the previous
	// iteration. The first iteration has nothing cached.
	next Mode
}

// NewState returns the state machine. signals may be consulted every
// iteration; one-shot signals are consumed on use.
func NewState(cfg *config.Config, signals Signals, logger *zap.Logger) *State {
	return &State{
		enabled:       cfg.IterativeDiag,
		rebuildPeriod: cfg.RebuildPeriod,
		extrapolation: cfg.Extrapolation,
		signals:       signals,
		logger:        logger,
		next:          ModeFull,
	}
}

// Decide picks the mode for the given 1-based iteration and advances the
// baseline for the next one. After a full diagonalization the baseline
// reverts to the cache-reuse family.
func (s *State) Decide(iteration int) Mode {
	if !s.enabled {
		return ModeOff
	}

	mode := s.next
	if iteration%s.rebuildPeriod == 0 {
		mode = ModeFull
	}
	if s.signals.ConsumeFullDiag() {
		mode = ModeFull
	}
	if mode != ModeFull && s.signals.ConsumeDropInverse() {
		mode = ModeRebuildInverseNoCache
	}

	if mode == ModeFull {
		s.next = ModeRebuildInverse
	} else {
		s.next = ModeReuseBasis
	}

	s.logger.Debug("diagonalization mode decided",
		zap.Int("iteration", iteration), zap.Stringer("mode", mode))
	return mode
}

// Flags renders the mode as eigenproblem stage arguments. The cache-basis
// extrapolation sub-strategy is a configuration passthrough, orthogonal to
// the mode decision.
func (s *State) Flags(mode Mode) []string {
	switch mode {
	case ModeOff:
		return nil
	case ModeFull:
		return []string{"-iter", "-fresh"}
	case ModeReuseBasis:
		return []string{"-iter", "-reuse", "-extrapolate", string(s.extrapolation)}
	case ModeRebuildInverse:
		return []string{"-iter", "-reuse", "-newinverse", "-extrapolate", string(s.extrapolation)}
	case ModeRebuildInverseNoCache:
		return []string{"-iter", "-reuse", "-noinverse", "-extrapolate", string(s.extrapolation)}
	}
	return nil
}
