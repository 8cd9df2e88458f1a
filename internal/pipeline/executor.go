// Package pipeline chains processing stages for a single job attempt.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"vidforge/internal/lifecycle"
	"vidforge/internal/logging"
	"vidforge/internal/queue"
	"vidforge/internal/scratch"
	"vidforge/internal/stage"
)

// Outcome reports the artifacts a finished attempt produced.
type Outcome struct {
	OutputRef     string
	TranscriptRef string
}

// Resolver turns a client stage list into executable stages.
type Resolver interface {
	Resolve(specs []queue.StageSpec) ([]stage.Stage, error)
}

// Executor runs a job's stage list in order. Each stage consumes its
// predecessor's artifact; intermediates live in a per-attempt scratch
// directory that is released when the attempt ends. Retried attempts start
// from the original input, never from stale intermediates.
type Executor struct {
	registry  Resolver
	scratch   *scratch.Manager
	tracker   *lifecycle.Tracker
	outputDir string
	logger    *slog.Logger
}

// NewExecutor builds an executor writing final artifacts to outputDir.
func NewExecutor(registry Resolver, scratchMgr *scratch.Manager, tracker *lifecycle.Tracker, outputDir string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		registry:  registry,
		scratch:   scratchMgr,
		tracker:   tracker,
		outputDir: outputDir,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Run executes one attempt. Stage failures abort the attempt immediately;
// there is no per-stage retry.
func (e *Executor) Run(ctx context.Context, job *queue.Job) (Outcome, error) {
	specs, err := job.Stages()
	if err != nil {
		return Outcome{}, stage.Wrap(stage.ErrValidation, "", "decode stages", "malformed stage list", err)
	}
	stages, err := e.registry.Resolve(specs)
	if err != nil {
		return Outcome{}, err
	}

	artifact, err := e.scratch.Allocate(job.JobKey)
	if err != nil {
		return Outcome{}, stage.Wrap(stage.ErrTransient, "", "scratch", "allocate attempt directory", err)
	}
	defer func() {
		if err := e.scratch.Release(artifact.ID); err != nil {
			e.logger.Warn("failed to release attempt scratch",
				logging.String(logging.FieldJobKey, job.JobKey),
				logging.Error(err),
			)
		}
	}()

	logger := e.logger.With(
		logging.String(logging.FieldJobKey, job.JobKey),
		logging.Int(logging.FieldAttempt, job.AttemptCount),
	)

	current := job.InputRef
	transcript := ""
	total := len(stages)

	for i, st := range stages {
		if err := e.checkFileSize(current, job.MaxFileSizeMB); err != nil {
			return Outcome{}, err
		}

		label := stage.DisplayLabel(st.Name())
		percent := float64(i) / float64(total) * 100
		message := fmt.Sprintf("stage %d of %d: %s", i+1, total, label)
		if err := e.tracker.UpdateProgress(ctx, job, st.Name(), percent, message); err != nil {
			logger.Warn("failed to persist progress", logging.Error(err))
		}
		logger.Info("stage started",
			logging.String(logging.FieldStage, st.Name()),
			logging.String("cost", st.Cost().String()),
			logging.String(logging.FieldEventType, "stage_start"),
		)

		result, err := st.Run(ctx, stage.Request{
			JobKey:    job.JobKey,
			InputPath: current,
			OutputDir: artifact.Dir,
			Params:    specs[i].Params,
			Progress: func(stagePercent float64, stageMessage string) {
				logger.Debug("stage progress",
					logging.String(logging.FieldStage, st.Name()),
					logging.Float64("percent", stagePercent),
					logging.String("message", stageMessage),
				)
			},
		})
		if err != nil {
			return Outcome{}, &stage.Error{Stage: st.Name(), Cause: err}
		}

		e.scratch.Touch(artifact.ID)
		current = result.OutputPath
		if result.TranscriptPath != "" {
			transcript = result.TranscriptPath
		}
		logger.Info("stage completed",
			logging.String(logging.FieldStage, st.Name()),
			logging.String(logging.FieldEventType, "stage_complete"),
		)
	}

	outcome, err := e.publish(job, current, transcript)
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// checkFileSize enforces the per-job size ceiling before each stage runs.
// Oversized inputs are deterministic failures and never retried.
func (e *Executor) checkFileSize(path string, maxMB int) error {
	if maxMB <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return stage.Wrap(stage.ErrValidation, "", "size check", fmt.Sprintf("input %s is not readable", path), err)
	}
	limit := int64(maxMB) * 1024 * 1024
	if info.Size() > limit {
		return stage.Wrap(stage.ErrValidation, "", "size check",
			fmt.Sprintf("file size %d exceeds limit of %d MB", info.Size(), maxMB), nil)
	}
	return nil
}

// publish moves the final artifacts from scratch into the output directory.
func (e *Executor) publish(job *queue.Job, finalPath, transcriptPath string) (Outcome, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return Outcome{}, stage.Wrap(stage.ErrTransient, "", "publish", "ensure output directory", err)
	}

	outputRef := filepath.Join(e.outputDir, job.JobKey+filepath.Ext(finalPath))
	// A passthrough pipeline ends on the original input; copy so the
	// input survives for a later resubmission.
	if finalPath == job.InputRef {
		if err := copyFile(finalPath, outputRef); err != nil {
			return Outcome{}, stage.Wrap(stage.ErrTransient, "", "publish", "copy final artifact", err)
		}
	} else if err := moveFile(finalPath, outputRef); err != nil {
		return Outcome{}, stage.Wrap(stage.ErrTransient, "", "publish", "move final artifact", err)
	}

	transcriptRef := ""
	if transcriptPath != "" {
		transcriptRef = filepath.Join(e.outputDir, job.JobKey+".txt")
		if err := moveFile(transcriptPath, transcriptRef); err != nil {
			return Outcome{}, stage.Wrap(stage.ErrTransient, "", "publish", "move transcript", err)
		}
	}
	return Outcome{OutputRef: outputRef, TranscriptRef: transcriptRef}, nil
}

// moveFile renames when possible and falls back to copy for cross-device
// moves.
func moveFile(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
