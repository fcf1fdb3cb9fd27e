package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/value"
)

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <specs-dir> <space/key> <record.json|->",
		Short: "Overwrite a document with a saved record",
		Long: `Overwrite a document with a record saved by snapshot ("-" reads stdin).

An existing document takes the record as an ordinary command, so its seq
keeps increasing and connected viewers see the change. A missing document
is initialized from the record as is.

Example:
  livedoc restore --db ./live.db ./specs counter/c1 c1.json`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(rootOpts, args[0], args[1], args[2], cmd)
		},
	}
}

func runRestore(opts *RootOptions, specsDir, rawKey, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	var data []byte
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeNotFound+": failed to read record", err)
	}
	record, err := value.DecodeObject(data)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeBadArgument+": record is not a JSON object", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, opts, specsDir, newLogger(opts))
	if err != nil {
		return err
	}
	defer s.Close()

	rcpt, err := s.engine.Recover(ctx, key, record)
	if err != nil {
		return formatter.Fault("restore", err)
	}
	result := map[string]any{"key": key.String(), "seq": rcpt.Seq, "noop": rcpt.NoOp}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Restored %s at seq %d\n", key, rcpt.Seq)
	})
}
