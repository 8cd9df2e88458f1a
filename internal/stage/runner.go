package stage

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"vidforge/internal/logging"
)

// commandContext is swapped out by tests that stub the external tool.
var commandContext = exec.CommandContext

// Runner executes external tool commands on behalf of stages. Cancellation
// sends SIGTERM so the tool can flush partial output; after the grace period
// the process group is killed.
type Runner struct {
	grace  time.Duration
	logger *slog.Logger
}

// NewRunner constructs a runner with the given hard-kill grace period.
func NewRunner(grace time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{grace: grace, logger: logging.NewComponentLogger(logger, "stage-runner")}
}

// Run executes the command and waits for it to finish. Timeout and
// cancellation are classified separately from tool failures so callers can
// pick the right retry path.
func (r *Runner) Run(ctx context.Context, stageName, name string, args ...string) error {
	cmd := commandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	started := time.Now()
	output, err := cmd.CombinedOutput()
	if err == nil {
		r.logger.Debug("command finished",
			logging.String(logging.FieldStage, stageName),
			logging.String("command", name),
			logging.Duration("elapsed", time.Since(started)),
		)
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Wrap(ErrTimeout, stageName, name, "command deadline exceeded", ctxErr)
		}
		return Wrap(ErrTransient, stageName, name, "command cancelled", ctxErr)
	}

	tail := outputTail(output)
	r.logger.Warn("command failed",
		logging.String(logging.FieldStage, stageName),
		logging.String("command", name),
		logging.String("output_tail", tail),
		logging.Error(err),
	)
	if tail != "" {
		return Wrap(ErrExternalTool, stageName, name, tail, err)
	}
	return Wrap(ErrExternalTool, stageName, name, "command failed", err)
}

// outputTail keeps the last few lines of combined output so error messages
// stay bounded no matter how chatty the tool is.
func outputTail(output []byte) string {
	const maxLines = 5
	text := strings.TrimSpace(string(output))
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
