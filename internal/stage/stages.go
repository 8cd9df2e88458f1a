package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
)

const (
	ffmpegBinary      = "ffmpeg"
	upscalerBinary    = "realesrgan"
	transcriberBinary = "whisper"
)

// NameTranscode and friends are the stage names clients put in their
// requested stage lists.
const (
	NameTranscode   = "transcode"
	NameSuperres    = "superres"
	NameDenoise     = "denoise"
	NameInterpolate = "interpolate"
	NameTranscribe  = "transcribe"
)

// transcodeStage converts still images or videos into an encoded video.
type transcodeStage struct {
	runner *Runner
	codec  string
	fps    int
}

func (s *transcodeStage) Name() string { return NameTranscode }
func (s *transcodeStage) Cost() Cost   { return CostHeavy }

func (s *transcodeStage) Run(ctx context.Context, req Request) (Result, error) {
	req.report(0, "encoding started")
	output := filepath.Join(req.OutputDir, req.JobKey+"-transcode.mp4")
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", req.InputPath,
	}
	if s.fps > 0 {
		args = append(args, "-r", strconv.Itoa(s.fps))
	}
	args = append(args,
		"-c:v", s.codec,
		"-pix_fmt", "yuv420p",
		"--", output,
	)
	if err := s.runner.Run(ctx, s.Name(), ffmpegBinary, args...); err != nil {
		return Result{}, err
	}
	req.report(100, "encoding finished")
	return Result{OutputPath: output}, nil
}

// superresStage upscales video frames with an external AI upscaler.
type superresStage struct {
	runner *Runner
	scale  int
}

func (s *superresStage) Name() string { return NameSuperres }
func (s *superresStage) Cost() Cost   { return CostHeavy }

func (s *superresStage) Run(ctx context.Context, req Request) (Result, error) {
	req.report(0, fmt.Sprintf("upscaling x%d started", s.scale))
	output := filepath.Join(req.OutputDir, req.JobKey+"-superres.mp4")
	args := []string{
		"-i", req.InputPath,
		"-o", output,
		"-s", strconv.Itoa(s.scale),
	}
	if err := s.runner.Run(ctx, s.Name(), upscalerBinary, args...); err != nil {
		return Result{}, err
	}
	req.report(100, "upscaling finished")
	return Result{OutputPath: output}, nil
}

// denoiseStage removes noise with an ffmpeg filter pass.
type denoiseStage struct {
	runner   *Runner
	strength int
}

func (s *denoiseStage) Name() string { return NameDenoise }
func (s *denoiseStage) Cost() Cost   { return CostLight }

func (s *denoiseStage) Run(ctx context.Context, req Request) (Result, error) {
	req.report(0, "denoise started")
	output := filepath.Join(req.OutputDir, req.JobKey+"-denoise.mp4")
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", req.InputPath,
		"-vf", fmt.Sprintf("hqdn3d=%d", s.strength),
		"-c:a", "copy",
		"--", output,
	}
	if err := s.runner.Run(ctx, s.Name(), ffmpegBinary, args...); err != nil {
		return Result{}, err
	}
	req.report(100, "denoise finished")
	return Result{OutputPath: output}, nil
}

// interpolateStage raises the frame rate via motion interpolation.
type interpolateStage struct {
	runner *Runner
	fps    int
}

func (s *interpolateStage) Name() string { return NameInterpolate }
func (s *interpolateStage) Cost() Cost   { return CostHeavy }

func (s *interpolateStage) Run(ctx context.Context, req Request) (Result, error) {
	req.report(0, fmt.Sprintf("interpolation to %d fps started", s.fps))
	output := filepath.Join(req.OutputDir, req.JobKey+"-interpolate.mp4")
	filter := fmt.Sprintf("minterpolate=fps=%d:mi_mode=mci", s.fps)
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", req.InputPath,
		"-vf", filter,
		"-c:a", "copy",
		"--", output,
	}
	if err := s.runner.Run(ctx, s.Name(), ffmpegBinary, args...); err != nil {
		return Result{}, err
	}
	req.report(100, "interpolation finished")
	return Result{OutputPath: output}, nil
}

// transcribeStage produces a transcript for the audio track. The video
// artifact is passed through unchanged.
type transcribeStage struct {
	runner   *Runner
	language string
}

func (s *transcribeStage) Name() string { return NameTranscribe }
func (s *transcribeStage) Cost() Cost   { return CostHeavy }

func (s *transcribeStage) Run(ctx context.Context, req Request) (Result, error) {
	req.report(0, "transcription started")
	args := []string{
		req.InputPath,
		"--output_format", "txt",
		"--output_dir", req.OutputDir,
	}
	if s.language != "" {
		args = append(args, "--language", s.language)
	}
	if err := s.runner.Run(ctx, s.Name(), transcriberBinary, args...); err != nil {
		return Result{}, err
	}
	base := filepath.Base(req.InputPath)
	transcript := filepath.Join(req.OutputDir, base[:len(base)-len(filepath.Ext(base))]+".txt")
	req.report(100, "transcription finished")
	return Result{
		OutputPath:     req.InputPath,
		TranscriptPath: transcript,
	}, nil
}
