package verifier

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// maxCapturedOutput bounds how much tool output a check retains.
const maxCapturedOutput = 8_000

// cmdResult is the outcome of one verification subprocess.
type cmdResult struct {
	ExitCode int
	Output   string
	TimedOut bool
	Duration time.Duration
}

// runCommand executes a tool under the verifier's timeout. The child
// gets its own process group so a timeout kills the whole tree, not
// just the direct child.
func runCommand(ctx context.Context, timeout time.Duration, dir string, name string, args ...string) (cmdResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	res := cmdResult{
		Output:   truncateOutput(buf.String()),
		Duration: time.Since(start),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case res.TimedOut:
		res.ExitCode = -1
	default:
		// The tool could not be started at all.
		return res, err
	}
	return res, nil
}

// lookTool reports whether a tool is on PATH.
func lookTool(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func truncateOutput(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n... [output truncated]"
}
