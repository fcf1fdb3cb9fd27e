package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Reverse bool // include reverse deltas
}

// TracePatch is one persisted log entry.
type TracePatch struct {
	Start   int64        `json:"start"`
	End     int64        `json:"end"`
	Forward value.Object `json:"forward"`
	Reverse value.Object `json:"reverse,omitempty"`
}

// TraceResult is a document's durable history.
type TraceResult struct {
	Key     string       `json:"key"`
	BaseSeq int64        `json:"base_seq"`
	Base    value.Object `json:"base"`
	Patches []TracePatch `json:"patches"`
	Seq     int64        `json:"seq"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <space/key>",
		Short: "Show the persisted patch log of a document",
		Long: `Show the base record and every patch persisted after it.

Each patch covers an inclusive seq range and carries the forward merge
patch; with --reverse the undo delta is shown too.

Examples:
  livedoc trace --db ./live.db counter/c1
  livedoc trace --db ./live.db counter/c1 --reverse --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Reverse, "reverse", false, "include reverse deltas")

	return cmd
}

func runTrace(opts *TraceOptions, rawKey string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.CloseDB()

	h, err := st.History(ctx, key)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no document %s", key), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: no document %s", ErrCodeNotFound, key))
		}
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}

	result := TraceResult{
		Key:     key.String(),
		BaseSeq: h.BaseSeq,
		Base:    h.Base,
		Patches: make([]TracePatch, 0, len(h.Patches)),
		Seq:     h.BaseSeq,
	}
	for _, p := range h.Patches {
		tp := TracePatch{Start: p.Start, End: p.End, Forward: p.Forward}
		if opts.Reverse {
			tp.Reverse = p.Reverse
		}
		result.Patches = append(result.Patches, tp)
		result.Seq = p.End
	}

	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Document: %s (seq %d)\n\n", result.Key, result.Seq)
		fmt.Fprintf(w, "  base @%d  %s\n", result.BaseSeq, value.MustEncode(result.Base))
		for _, p := range result.Patches {
			fmt.Fprintf(w, "  %d-%d  %s\n", p.Start, p.End, value.MustEncode(p.Forward))
			if p.Reverse != nil {
				fmt.Fprintf(w, "         undo %s\n", value.MustEncode(p.Reverse))
			}
		}
		fmt.Fprintf(w, "\n%d patch(es) after base\n", len(result.Patches))
	})
}
