// Package summary maintains the cumulative run history artifact: per-stage
// summary blocks, convergence verdict lines, and the final termination
// message. The file is the durable audit trail of the run and the input to
// the convergence check tool.
package summary

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Writer appends to the history artifact. All writes open, append, close;
// nothing is buffered across iterations.
type Writer struct {
	path string
}

// NewWriter returns a Writer for the history artifact at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the history artifact path.
func (w *Writer) Path() string { return w.path }

// IterationHeader marks the start of one cycle's block.
func (w *Writer) IterationHeader(iteration int) error {
	return w.append(fmt.Sprintf("\n:CYCLE  %3d    (%s)\n", iteration, time.Now().Format(time.RFC1123)))
}

// AppendFile copies one stage's summary output into the history. A missing
// summary is not an error; optional stages may not have run.
func (w *Writer) AppendFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	text := string(data)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return w.append(text)
}

// Verdict records one criterion's outcome for this cycle.
func (w *Writer) Verdict(criterion string, converged bool, lastDelta float64) error {
	state := "NOT CONVERGED"
	if converged {
		state = "CONVERGED"
	}
	return w.append(fmt.Sprintf(":CHECK  %-8s %-14s delta=%.8g\n", strings.ToUpper(criterion), state, lastDelta))
}

// Event records a controller event (restart purge, demotion, signal).
func (w *Writer) Event(text string) error {
	return w.append(fmt.Sprintf(":EVENT  %s\n", text))
}

// Final writes the human-readable termination message. Every exit path of
// the controller ends here.
func (w *Writer) Final(message string) error {
	return w.append(fmt.Sprintf("\n:DONE   %s\n", message))
}

func (w *Writer) append(text string) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history artifact: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("failed to append to history artifact: %w", err)
	}
	return nil
}
