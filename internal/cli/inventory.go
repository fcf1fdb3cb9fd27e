package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/store"
	"github.com/roach88/livedoc/internal/value"
)

// InventoryResult lists the documents a database holds.
type InventoryResult struct {
	Keys      []string `json:"keys"`
	Documents int64    `json:"documents"`
	Patches   int64    `json:"patches"`
}

// NewInventoryCommand creates the inventory command.
func NewInventoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "List the documents in a database",
		Long: `List every document key the database holds, in space/key order,
with document and patch counts.

Example:
  livedoc inventory --db ./live.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInventory(rootOpts, cmd)
		},
	}
}

func runInventory(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.CloseDB()

	keys, err := st.Inventory(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list documents", err)
	}
	docs, patches, err := st.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count documents", err)
	}

	result := InventoryResult{Keys: make([]string, 0, len(keys)), Documents: docs, Patches: patches}
	for _, k := range keys {
		result.Keys = append(result.Keys, k.String())
	}
	return formatter.Emit(result, func(w io.Writer) {
		if len(result.Keys) == 0 {
			fmt.Fprintln(w, "No documents found in database.")
			return
		}
		for _, k := range result.Keys {
			fmt.Fprintf(w, "  %s\n", k)
		}
		fmt.Fprintf(w, "\n%d document(s), %d patch(es)\n", result.Documents, result.Patches)
	})
}

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	Keep int
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact <space/key>",
		Short: "Fold old patches into a document's base",
		Long: `Fold all but the newest --keep patches of a document into its base
record. Folded patches can no longer be rewound.

Example:
  livedoc compact --db ./live.db counter/c1 --keep 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Keep, "keep", 0, "patches to keep after the base")

	return cmd
}

func runCompact(opts *CompactOptions, rawKey string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	if opts.Keep < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: --keep must be >= 0", ErrCodeBadArgument))
	}
	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.CloseDB()

	if err := st.Compact(ctx, key, opts.Keep); err != nil {
		return keyFault(formatter, "compact", key, err)
	}
	h, err := st.History(ctx, key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}

	result := map[string]any{"key": key.String(), "base_seq": h.BaseSeq, "patches": len(h.Patches)}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Compacted %s: base @%d, %d patch(es) kept\n", key, h.BaseSeq, len(h.Patches))
	})
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <space/key>",
		Short: "Fold a document's whole log and print its record",
		Long: `Fold every patch of a document into its base and print the resulting
record. The output is the JSON restore accepts.

Example:
  livedoc snapshot --db ./live.db counter/c1 > c1.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(rootOpts, args[0], cmd)
		},
	}
}

func runSnapshot(opts *RootOptions, rawKey string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.CloseDB()

	rec, err := st.Snapshot(ctx, key)
	if err != nil {
		return keyFault(formatter, "snapshot", key, err)
	}
	return formatter.Emit(rec, func(w io.Writer) {
		fmt.Fprintln(w, value.MustEncode(rec))
	})
}

// keyFault reports a storage failure on one key: a missing document is a
// command error, anything else is reported with its fault code.
func keyFault(formatter *OutputFormatter, op string, key store.Key, err error) error {
	if fault.Is(err, fault.NotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no document %s", key), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: no document %s", ErrCodeNotFound, key))
	}
	return formatter.Fault(op, err)
}
