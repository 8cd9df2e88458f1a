package stage

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"vidforge/internal/queue"
)

// factory builds a stage from client-supplied params, rejecting values the
// stage cannot honor.
type factory func(runner *Runner, params map[string]string) (Stage, error)

// Registry resolves client stage lists into executable stages.
type Registry struct {
	runner    *Runner
	factories map[string]factory
}

// NewRegistry returns a registry with the built-in stages registered.
func NewRegistry(runner *Runner) *Registry {
	return &Registry{
		runner: runner,
		factories: map[string]factory{
			NameTranscode:   newTranscode,
			NameSuperres:    newSuperres,
			NameDenoise:     newDenoise,
			NameInterpolate: newInterpolate,
			NameTranscribe:  newTranscribe,
		},
	}
}

// Names returns the registered stage names in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Resolve validates the requested stage list and builds the executable
// stages in order. Any malformed entry yields a validation error.
func (r *Registry) Resolve(specs []queue.StageSpec) ([]Stage, error) {
	if len(specs) == 0 {
		return nil, Wrap(ErrValidation, "", "resolve", "at least one stage is required", nil)
	}
	stages := make([]Stage, 0, len(specs))
	for i, spec := range specs {
		name := strings.TrimSpace(strings.ToLower(spec.Name))
		if name == "" {
			return nil, Wrap(ErrValidation, "", "resolve", fmt.Sprintf("stage %d has no name", i+1), nil)
		}
		build, ok := r.factories[name]
		if !ok {
			return nil, Wrap(ErrValidation, name, "resolve", "unknown stage", nil)
		}
		built, err := build(r.runner, spec.Params)
		if err != nil {
			return nil, err
		}
		stages = append(stages, built)
	}
	return stages, nil
}

// DisplayLabel renders a stage name for progress messages and CLI output.
func DisplayLabel(name string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(name), "_", " ")
	if cleaned == "" {
		return ""
	}
	return cases.Title(language.Und).String(cleaned)
}

func newTranscode(runner *Runner, params map[string]string) (Stage, error) {
	codec := paramOrDefault(params, "codec", "libx264")
	fps, err := intParam(NameTranscode, params, "fps", 0, 1, 240)
	if err != nil {
		return nil, err
	}
	return &transcodeStage{runner: runner, codec: codec, fps: fps}, nil
}

func newSuperres(runner *Runner, params map[string]string) (Stage, error) {
	scale, err := intParam(NameSuperres, params, "scale", 2, 2, 4)
	if err != nil {
		return nil, err
	}
	if scale != 2 && scale != 4 {
		return nil, Wrap(ErrValidation, NameSuperres, "params", "scale must be 2 or 4", nil)
	}
	return &superresStage{runner: runner, scale: scale}, nil
}

func newDenoise(runner *Runner, params map[string]string) (Stage, error) {
	strength, err := intParam(NameDenoise, params, "strength", 5, 1, 10)
	if err != nil {
		return nil, err
	}
	return &denoiseStage{runner: runner, strength: strength}, nil
}

func newInterpolate(runner *Runner, params map[string]string) (Stage, error) {
	fps, err := intParam(NameInterpolate, params, "fps", 60, 1, 240)
	if err != nil {
		return nil, err
	}
	return &interpolateStage{runner: runner, fps: fps}, nil
}

func newTranscribe(runner *Runner, params map[string]string) (Stage, error) {
	return &transcribeStage{runner: runner, language: strings.TrimSpace(params["language"])}, nil
}

func paramOrDefault(params map[string]string, key, fallback string) string {
	if value := strings.TrimSpace(params[key]); value != "" {
		return value
	}
	return fallback
}

func intParam(stageName string, params map[string]string, key string, fallback, min, max int) (int, error) {
	raw := strings.TrimSpace(params[key])
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, Wrap(ErrValidation, stageName, "params", fmt.Sprintf("%s must be an integer", key), err)
	}
	if value < min || value > max {
		return 0, Wrap(ErrValidation, stageName, "params", fmt.Sprintf("%s must be between %d and %d", key, min, max), nil)
	}
	return value, nil
}
