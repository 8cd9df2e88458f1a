// Package stage defines the processing stage contract and the built-in
// stages that transform job inputs through external tools.
package stage

import (
	"context"
)

// Cost is a coarse declaration of how expensive a stage is expected to be.
// It is informational only and shows up in logs.
type Cost int

const (
	CostLight Cost = iota
	CostHeavy
)

func (c Cost) String() string {
	switch c {
	case CostHeavy:
		return "heavy"
	default:
		return "light"
	}
}

// Request describes a single stage invocation. InputPath is the artifact
// produced by the previous stage, or the job's original input for the first
// stage. OutputDir is a scratch directory owned by the running attempt.
type Request struct {
	JobKey    string
	InputPath string
	OutputDir string
	Params    map[string]string
	Progress  func(percent float64, message string)
}

// Result reports the artifacts a stage produced. OutputPath is required for
// every stage; TranscriptPath is set only by transcription stages.
type Result struct {
	OutputPath     string
	TranscriptPath string
}

// Stage is one step of a processing pipeline.
type Stage interface {
	Name() string
	Cost() Cost
	Run(ctx context.Context, req Request) (Result, error)
}

func (r Request) report(percent float64, message string) {
	if r.Progress != nil {
		r.Progress(percent, message)
	}
}
