package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// maxCapturedOutput bounds how much combined tool output is retained for
// classification and diagnostics.
const maxCapturedOutput = 64 * 1024

// Result is the outcome of one subprocess run.
type Result struct {
	ExitCode int
	// Output is the combined stdout/stderr text, truncated to a fixed cap.
	Output string
	// TimedOut is set when the context deadline killed the process.
	TimedOut bool
}

// Runner executes yt-dlp as a subprocess.
type Runner struct {
	binary string
}

// NewRunner constructs a Runner; an empty binary falls back to DefaultBinary.
func NewRunner(binary string) *Runner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runner{binary: binary}
}

// Download runs the tool until exit or context cancellation, invoking
// onProgress for every parsed progress line. The caller bounds wall-clock
// time through ctx; cancellation forcibly terminates the process.
func (r *Runner) Download(ctx context.Context, req Request, onProgress func(Progress)) (Result, error) {
	cmd := exec.CommandContext(ctx, r.binary, req.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", r.binary, err)
	}

	var captured strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if captured.Len() < maxCapturedOutput {
			captured.WriteString(line)
			captured.WriteByte('\n')
		}
		if p, ok := ParseProgressLine(line); ok && onProgress != nil {
			onProgress(p)
		}
	}

	waitErr := cmd.Wait()
	res := Result{Output: captured.String()}
	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = -1
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("wait %s: %w", r.binary, waitErr)
	}
	res.ExitCode = 0
	return res, nil
}
