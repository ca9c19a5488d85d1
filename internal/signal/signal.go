// Package signal implements the file-presence control channel between the
// operator and a running cycle. Signals are polled at iteration boundaries;
// one-shot signals are removed once acted upon.
package signal

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	StopFile          = ".stop"
	FullDiagFile      = ".fulldiag"
	DropInverseFile   = ".dropinverse"
	AbortAdaptiveFile = ".abortadaptive"
)

// Box polls control-signal marker files in a case directory.
type Box struct {
	dir    string
	logger *zap.Logger
}

// NewBox returns a Box watching dir.
func NewBox(dir string, logger *zap.Logger) *Box {
	return &Box{dir: dir, logger: logger}
}

// Stop reports whether the unconditional stop marker is present. The marker
// is left in place; removing it is the operator's job (or `scfrun clean`).
func (b *Box) Stop() bool {
	return b.present(StopFile)
}

// ConsumeFullDiag reports and clears the one-shot force-full-diagonalization
// marker.
func (b *Box) ConsumeFullDiag() bool {
	return b.consume(FullDiagFile)
}

// ConsumeDropInverse reports and clears the one-shot drop-cached-inverse
// marker.
func (b *Box) ConsumeDropInverse() bool {
	return b.consume(DropInverseFile)
}

// ConsumeAbortAdaptive reports and clears the abort-adaptive-mode marker.
// Only meaningful in the adaptive-minimization configuration; callers gate
// on that.
func (b *Box) ConsumeAbortAdaptive() bool {
	return b.consume(AbortAdaptiveFile)
}

// Clear removes every signal marker, including stop. Used by `scfrun clean`.
func (b *Box) Clear() error {
	var firstErr error
	for _, name := range []string{StopFile, FullDiagFile, DropInverseFile, AbortAdaptiveFile} {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Box) present(name string) bool {
	_, err := os.Stat(filepath.Join(b.dir, name))
	return err == nil
}

func (b *Box) consume(name string) bool {
	path := filepath.Join(b.dir, name)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		b.logger.Warn("failed to clear signal file", zap.String("signal", name), zap.Error(err))
	}
	b.logger.Info("control signal observed", zap.String("signal", name))
	return true
}
