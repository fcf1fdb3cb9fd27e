package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Specs []string // extra document type directories
}

// RunResult is the outcome of one session.
type RunResult struct {
	Name   string               `json:"name"`
	Pass   bool                 `json:"pass"`
	Steps  []harness.StepResult `json:"steps"`
	Log    []string             `json:"log"`
	Errors []string             `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <session.yaml>",
		Short: "Execute a YAML session against a database",
		Long: `Execute a session file against the --db database.

A session has the same format as a test scenario: document types, steps
and assertions. Unlike test, the documents it creates and changes persist
in the database, so later commands (trace, replay, send) see them.

Example:
  livedoc run --db ./live.db ./sessions/counter.yaml
  livedoc run --db ./live.db --specs ./specs ./sessions/seed.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Specs, "specs", nil, "additional specs directories")

	return cmd
}

func runSession(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := newLogger(opts.RootOptions)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeLoadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load session", err)
	}
	for _, dir := range opts.Specs {
		if _, err := os.Stat(dir); err != nil {
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: specs directory not found: %s", ErrCodeNotFound, dir))
		}
		scenario.Specs = append(scenario.Specs, dir)
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.CloseDB(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("session starting", "name", scenario.Name, "db", opts.Database, "steps", len(scenario.Steps))
	result, err := harness.Run(ctx, scenario, harness.WithBackend(st), harness.WithLogger(logger))
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "session failed", err)
	}
	logger.Info("session finished", "name", scenario.Name, "pass", result.Pass)

	out := RunResult{
		Name:   scenario.Name,
		Pass:   result.Pass,
		Steps:  result.Steps,
		Log:    result.Log,
		Errors: result.Errors,
	}
	if err := formatter.Emit(out, func(w io.Writer) { printSession(w, out, opts.Verbose) }); err != nil {
		return err
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("session %s failed with %d error(s)", scenario.Name, len(result.Errors)))
	}
	return nil
}

func printSession(w io.Writer, r RunResult, verbose bool) {
	for _, s := range r.Steps {
		status := "ok"
		if s.Code != 0 {
			status = fmt.Sprintf("fault %d: %s", s.Code, s.Error)
		}
		fmt.Fprintf(w, "  [%d] %-10s %-20s seq=%d  %s\n", s.Index, s.Op, s.Key, s.Seq, status)
	}
	if verbose {
		fmt.Fprintln(w)
		for _, line := range r.Log {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	fmt.Fprintln(w)
	if r.Pass {
		fmt.Fprintf(w, "✓ %s\n", r.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", r.Name)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
