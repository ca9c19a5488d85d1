// Package stage runs one external computation stage to completion and
// classifies the outcome. Missing required input is a routed branch, not a
// fault; a non-zero exit is fatal for the whole run.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ErrMissingInput marks a stage whose required input artifact is absent or
// empty. The pipeline routes on it; it never reaches the operator as a
// stage failure.
var ErrMissingInput = errors.New("required input artifact missing or empty")

// ExecError reports a stage that started and exited non-zero.
type ExecError struct {
	Stage    string
	ExitCode int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("stage %s exited with status %d", e.Stage, e.ExitCode)
}

// Invocation describes one stage call. Created fresh per call by the
// pipeline; only the resulting error outlives it.
type Invocation struct {
	Name          string
	Program       string
	Args          []string
	RequiredInput string // artifact path; empty means unconditional
}

// Recorder receives the durable record of every stage invocation.
type Recorder interface {
	RecordStage(iteration int, stage string, args []string, exitCode int, duration time.Duration) error
}

// Runner invokes stages in a case directory, appending their combined
// output to the iteration log.
type Runner struct {
	dir      string
	logPath  string
	recorder Recorder
	logger   *zap.Logger
}

// NewRunner returns a Runner working in dir and appending stage output to
// logPath. recorder may be nil.
func NewRunner(dir, logPath string, recorder Recorder, logger *zap.Logger) *Runner {
	return &Runner{dir: dir, logPath: logPath, recorder: recorder, logger: logger}
}

// Run executes one stage synchronously. It returns ErrMissingInput (wrapped)
// when the required input is absent or empty, an *ExecError on non-zero
// exit, and nil on success. Stage artifacts are left wherever the stage
// wrote them.
func (r *Runner) Run(ctx context.Context, iteration int, inv Invocation) error {
	if inv.RequiredInput != "" {
		fi, err := os.Stat(inv.RequiredInput)
		if err != nil || fi.Size() == 0 {
			return fmt.Errorf("stage %s: %s: %w", inv.Name, inv.RequiredInput, ErrMissingInput)
		}
	}

	r.logger.Info("stage started",
		zap.Int("iteration", iteration),
		zap.String("stage", inv.Name),
		zap.Strings("args", inv.Args))

	start := time.Now()
	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = r.dir
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if logErr := r.appendLog(iteration, inv.Name, output); logErr != nil {
		r.logger.Warn("failed to append stage output to log", zap.Error(logErr))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return fmt.Errorf("stage %s: failed to run %s: %w", inv.Name, inv.Program, err)
		}
	}

	if r.recorder != nil {
		if recErr := r.recorder.RecordStage(iteration, inv.Name, inv.Args, exitCode, duration); recErr != nil {
			r.logger.Warn("failed to record stage invocation", zap.Error(recErr))
		}
	}

	r.logger.Info("stage finished",
		zap.Int("iteration", iteration),
		zap.String("stage", inv.Name),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration))

	if exitCode != 0 {
		return &ExecError{Stage: inv.Name, ExitCode: exitCode}
	}
	return nil
}

// appendLog appends the stage's combined output to the iteration log. The
// log is append-only for the lifetime of the run.
func (r *Runner) appendLog(iteration int, name string, output []byte) error {
	f, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, ">   %s (cycle %d)\n", name, iteration); err != nil {
		return err
	}
	if len(output) > 0 {
		if _, err := f.Write(output); err != nil {
			return err
		}
		if output[len(output)-1] != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				return err
			}
		}
	}
	return nil
}
