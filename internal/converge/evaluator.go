// Package converge wraps the external metric-comparison tool. The tool
// reads the accumulated run history for one quantity and exits 0 when the
// quantity is converged to the given threshold, 1 when it is not, and
// anything else on failure. Recent deltas are printed one per line.
package converge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// Result is one criterion verdict with the deltas the tool reported.
type Result struct {
	Converged bool
	Deltas    []float64
}

// SiteResult is a per-site force verdict.
type SiteResult struct {
	Site      int
	Converged bool
	Deltas    []float64
}

// Evaluator shells out to the comparison tool for each requested criterion.
type Evaluator struct {
	tool   string
	dir    string
	logger *zap.Logger
}

// NewEvaluator returns an Evaluator invoking tool in dir.
func NewEvaluator(tool, dir string, logger *zap.Logger) *Evaluator {
	return &Evaluator{tool: tool, dir: dir, logger: logger}
}

// Evaluate runs the tool for one quantity tag against the history artifact.
// A tool failure (exit status other than 0 or 1) is fatal for the run.
func (e *Evaluator) Evaluate(ctx context.Context, tag, history string, threshold float64) (Result, error) {
	return e.run(ctx, []string{tag, history, formatThreshold(threshold)})
}

// EvaluateSite runs the tool for the force quantity of a single atomic site.
func (e *Evaluator) EvaluateSite(ctx context.Context, tag, history string, threshold float64, site int) (Result, error) {
	return e.run(ctx, []string{tag, history, formatThreshold(threshold), "-site", strconv.Itoa(site)})
}

// EvaluateForce evaluates the force criterion for every site and reduces
// by logical AND: one unconverged site fails the criterion. Per-site deltas
// are kept for reporting.
func (e *Evaluator) EvaluateForce(ctx context.Context, history string, threshold float64, sites int) (bool, []SiteResult, error) {
	all := true
	results := make([]SiteResult, 0, sites)
	for site := 1; site <= sites; site++ {
		res, err := e.EvaluateSite(ctx, "force", history, threshold, site)
		if err != nil {
			return false, nil, err
		}
		if !res.Converged {
			all = false
		}
		results = append(results, SiteResult{Site: site, Converged: res.Converged, Deltas: res.Deltas})
	}
	return all, results, nil
}

// MaxDelta returns the largest magnitude among the last deltas of every
// site, for the summary line. Zero when nothing was reported.
func MaxDelta(results []SiteResult) float64 {
	var last []float64
	for _, r := range results {
		if len(r.Deltas) > 0 {
			last = append(last, r.Deltas[len(r.Deltas)-1])
		}
	}
	if len(last) == 0 {
		return 0
	}
	for i, v := range last {
		if v < 0 {
			last[i] = -v
		}
	}
	return floats.Max(last)
}

func (e *Evaluator) run(ctx context.Context, args []string) (Result, error) {
	cmd := exec.CommandContext(ctx, e.tool, args...)
	cmd.Dir = e.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("convergence check: failed to run %s: %w", e.tool, err)
		}
	}

	deltas, parseErr := parseDeltas(stdout.String())
	if parseErr != nil {
		e.logger.Warn("unparseable delta output from convergence check",
			zap.String("tool", e.tool), zap.Error(parseErr))
	}

	switch exitCode {
	case 0:
		return Result{Converged: true, Deltas: deltas}, nil
	case 1:
		return Result{Converged: false, Deltas: deltas}, nil
	default:
		return Result{}, fmt.Errorf("convergence check %s %s failed with status %d: %s",
			e.tool, strings.Join(args, " "), exitCode, strings.TrimSpace(stderr.String()))
	}
}

// parseDeltas reads one numeric delta per line, most recent last. Blank
// lines and non-numeric trailing text are ignored.
func parseDeltas(out string) ([]float64, error) {
	var deltas []float64
	var firstErr error
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("bad delta line %q: %w", line, err)
			}
			continue
		}
		deltas = append(deltas, v)
	}
	return deltas, firstErr
}

func formatThreshold(threshold float64) string {
	return strconv.FormatFloat(threshold, 'g', -1, 64)
}
