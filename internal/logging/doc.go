// Package logging provides slog-based structured logging for vidforge.
//
// It owns logger construction (console or JSON handlers, fanned out to
// stdout and the daemon log file), standardized attribute helpers, and
// context carriage of job and stage fields so every log line emitted while
// a job is being processed is attributable to that job.
package logging
