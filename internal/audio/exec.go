package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// stderrTail is how much subprocess stderr is kept for error reports.
const stderrTail = 500

// ExecError reports a subprocess that could not run or exited non-zero.
type ExecError struct {
	Op       string
	ExitCode int // -1 when the process did not exit normally
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s: exit code %d", e.Op, e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

// run starts bin with args and waits for it. stdout receives the process
// output while it runs; os/exec copies stdout and stderr on their own
// goroutines so neither pipe can fill and stall the child. Cancelling ctx
// kills the process, and Wait always runs so no process handle is leaked.
func run(ctx context.Context, op string, stdout io.Writer, bin string, args ...string) error {
	tail := &tailBuffer{max: stderrTail}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = tail
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return &ExecError{Op: op, ExitCode: -1, Err: err}
	}
	err := cmd.Wait()
	if err == nil {
		return nil
	}

	execErr := &ExecError{Op: op, ExitCode: -1, Stderr: tail.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		execErr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		execErr.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
		execErr.ExitCode = -1
	}
	return execErr
}
