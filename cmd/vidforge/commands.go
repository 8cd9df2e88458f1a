package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vidforge/internal/config"
	"vidforge/internal/ingest"
	"vidforge/internal/queue"
	"vidforge/internal/stage"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var clientID string
	var stagesFlag []string
	var maxFileSizeMB int

	cmd := &cobra.Command{
		Use:   "submit <input-file>",
		Short: "Submit a video processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.apiBase()
			if err != nil {
				return err
			}
			input, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			specs, err := parseStageFlags(stagesFlag)
			if err != nil {
				return err
			}

			jobKey, err := newAPIClient(base).submit(ingest.SubmitRequest{
				ClientID:      clientID,
				Stages:        specs,
				InputRef:      input,
				MaxFileSizeMB: maxFileSizeMB,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "cli", "Client identifier for rate limiting")
	cmd.Flags().StringSliceVar(&stagesFlag, "stage", nil,
		"Stage to run, optionally with params (e.g. --stage superres:scale=4); repeatable, executed in order")
	cmd.Flags().IntVar(&maxFileSizeMB, "max-file-size-mb", 0, "Override the per-job file size limit")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// parseStageFlags converts "name:key=value,key=value" flags into stage specs.
func parseStageFlags(flags []string) ([]queue.StageSpec, error) {
	specs := make([]queue.StageSpec, 0, len(flags))
	for _, raw := range flags {
		name, paramsRaw, _ := strings.Cut(strings.TrimSpace(raw), ":")
		spec := queue.StageSpec{Name: strings.TrimSpace(name)}
		if paramsRaw != "" {
			spec.Params = make(map[string]string)
			for _, pair := range strings.Split(paramsRaw, ",") {
				key, value, ok := strings.Cut(pair, "=")
				if !ok {
					return nil, fmt.Errorf("malformed stage param %q in %q", pair, raw)
				}
				spec.Params[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-key>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.apiBase()
			if err != nil {
				return err
			}
			snapshot, err := newAPIClient(base).status(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:      %s\n", snapshot.JobKey)
			fmt.Fprintf(out, "Client:   %s\n", snapshot.ClientID)
			fmt.Fprintf(out, "Status:   %s\n", snapshot.Status)
			fmt.Fprintf(out, "Attempts: %d of %d\n", snapshot.Attempts, snapshot.MaxRetries+1)
			if snapshot.Progress.Stage != "" || snapshot.Progress.Percent > 0 {
				fmt.Fprintf(out, "Progress: %.0f%% %s\n", snapshot.Progress.Percent,
					stage.DisplayLabel(snapshot.Progress.Stage))
			}
			if snapshot.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:    %s\n", snapshot.ErrorMessage)
			}
			if snapshot.OutputRef != "" {
				fmt.Fprintf(out, "Output:   %s\n", snapshot.OutputRef)
			}
			if snapshot.TranscriptRef != "" {
				fmt.Fprintf(out, "Transcript: %s\n", snapshot.TranscriptRef)
			}
			fmt.Fprintf(out, "Created:  %s\n", humanize.Time(snapshot.CreatedAt))
			if snapshot.FinishedAt != nil {
				fmt.Fprintf(out, "Finished: %s\n", humanize.Time(*snapshot.FinishedAt))
			}
			return nil
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string
	var clientFilter string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.apiBase()
			if err != nil {
				return err
			}
			snapshots, err := newAPIClient(base).list(statusFilter, clientFilter)
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}

			rows := make([][]string, 0, len(snapshots))
			for _, s := range snapshots {
				progress := fmt.Sprintf("%.0f%%", s.Progress.Percent)
				rows = append(rows, []string{
					s.JobKey,
					s.ClientID,
					string(s.Status),
					fmt.Sprintf("%d", s.Attempts),
					progress,
					humanize.Time(s.CreatedAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"JOB", "CLIENT", "STATUS", "ATTEMPTS", "PROGRESS", "CREATED"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				cmd.OutOrStdout(),
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (comma separated)")
	cmd.Flags().StringVar(&clientFilter, "client", "", "Filter by client identifier")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-key>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.apiBase()
			if err != nil {
				return err
			}
			if err := newAPIClient(base).cancel(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.apiBase()
			if err != nil {
				return err
			}
			health, healthy, err := newAPIClient(base).health()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon:  %s\n", boolLabel(health.Running, "running", "stopped"))
			fmt.Fprintf(out, "Store:   %s\n", boolLabel(health.Store, "ok", "failing"))
			fmt.Fprintf(out, "Broker:  %s\n", boolLabel(health.Broker, "ok", "failing"))
			fmt.Fprintf(out, "Workers: %s (%d active)\n", boolLabel(health.Workers, "ok", "stalled"), health.ActiveWorkers)
			fmt.Fprintf(out, "Scratch: %s free\n", humanize.Bytes(health.ScratchFreeMB*1024*1024))
			for _, tool := range health.Tools {
				state := "missing"
				switch {
				case tool.Available:
					state = "ok"
				case tool.Optional:
					state = "missing (optional)"
				}
				fmt.Fprintf(out, "Tool:    %-12s %s\n", tool.Name, state)
			}
			if health.Detail != "" {
				fmt.Fprintf(out, "Detail:  %s\n", health.Detail)
			}
			if !healthy {
				return fmt.Errorf("daemon is unhealthy")
			}
			return nil
		},
	}
}

func boolLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.SampleConfig()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file:   %s\n", ctx.configPath)
			fmt.Fprintf(out, "Output dir:    %s\n", cfg.Paths.OutputDir)
			fmt.Fprintf(out, "Scratch dir:   %s\n", cfg.Paths.ScratchDir)
			fmt.Fprintf(out, "Log dir:       %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "API bind:      %s\n", cfg.Paths.APIBind)
			fmt.Fprintf(out, "Broker:        %s\n", cfg.Broker.Backend)
			fmt.Fprintf(out, "Workers:       %d\n", cfg.Workers.Concurrency)
			fmt.Fprintf(out, "Task timeout:  %s\n", cfg.TaskTimeout())
			fmt.Fprintf(out, "Max retries:   %d\n", cfg.Workers.MaxRetries)
			fmt.Fprintf(out, "Rate limit:    %d per %s\n", cfg.Limits.RateLimitRequests, cfg.RateLimitWindow())
			fmt.Fprintf(out, "Scratch TTL:   %s\n", cfg.ScratchTTL())
			fmt.Fprintf(out, "Max file size: %s\n", humanize.Bytes(uint64(cfg.Limits.MaxFileSizeMB)*1024*1024))
			return nil
		},
	})

	return cmd
}
