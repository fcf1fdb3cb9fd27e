package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/engine"
	"github.com/roach88/livedoc/internal/value"
)

// SendOptions holds flags for the create and send commands.
type SendOptions struct {
	*RootOptions
	Arg string // JSON payload
	Who string // agent:authority
}

// SendResult is the receipt of a command.
type SendResult struct {
	Key      string      `json:"key"`
	Command  string      `json:"command"`
	Seq      int64       `json:"seq"`
	NoOp     bool        `json:"noop,omitempty"`
	Parked   bool        `json:"parked,omitempty"`
	Response value.Value `json:"response,omitempty"`
	Faults   []string    `json:"faults,omitempty"`
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <specs-dir> <space/key>",
		Short: "Create a document",
		Long: `Create a document of the type its space names, subject to the type's
create policy. The --arg payload is passed to the behavior's construct.

Example:
  livedoc create --db ./live.db ./specs counter/c1 --arg '{"x":3}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(opts, args[0], args[1], "", cmd)
		},
	}
	addSendFlags(cmd, opts)
	return cmd
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <specs-dir> <space/key> <channel>",
		Short: "Send a message to a document channel",
		Long: `Send one message to a document channel and print the receipt.

A message that leaves the document waiting on a future commits and is
reported as parked. Service calls it makes are dispatched before the
command exits.

Examples:
  livedoc send --db ./live.db ./specs counter/c1 inc --arg '{"by":2}'
  livedoc send --db ./live.db ./specs counter/c1 answer --who alice:user --arg '{"n":7}'`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(opts, args[0], args[1], args[2], cmd)
		},
	}
	addSendFlags(cmd, opts)
	return cmd
}

func addSendFlags(cmd *cobra.Command, opts *SendOptions) {
	cmd.Flags().StringVar(&opts.Arg, "arg", "", "payload as JSON")
	cmd.Flags().StringVar(&opts.Who, "who", "cli:admin", "issuing principal as agent:authority")
}

// sendCommand creates key when channel is empty and sends to channel
// otherwise.
func sendCommand(opts *SendOptions, specsDir, rawKey, channel string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	who, err := parseWho(opts.Who)
	if err != nil {
		return err
	}
	var arg value.Value
	if opts.Arg != "" {
		if arg, err = value.Decode([]byte(opts.Arg)); err != nil {
			return WrapExitError(ExitCommandError, ErrCodeBadArgument+": invalid --arg JSON", err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, opts.RootOptions, specsDir, newLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer s.Close()

	var rcpt *engine.Receipt
	name := channel
	if channel == "" {
		name = document.CmdConstruct
		formatter.VerboseLog("Creating %s as %s", key, who)
		rcpt, err = s.engine.Create(ctx, key, who, arg)
	} else {
		formatter.VerboseLog("Sending %s to %s as %s", channel, key, who)
		rcpt, err = s.engine.Send(ctx, key, document.Command{Command: channel, Who: who, Arg: arg})
	}
	if err != nil && (!engine.Expected(err) || rcpt == nil) {
		return formatter.Fault(name, err)
	}
	if err := s.engine.WaitDispatches(ctx); err != nil {
		return WrapExitError(ExitFailure, "service calls did not settle", err)
	}

	out := SendResult{
		Key:      key.String(),
		Command:  name,
		Seq:      rcpt.Seq,
		NoOp:     rcpt.NoOp,
		Parked:   rcpt.Parked,
		Response: rcpt.Response,
	}
	for _, f := range rcpt.Faults {
		out.Faults = append(out.Faults, f.Error())
	}
	return formatter.Emit(out, func(w io.Writer) {
		switch {
		case out.NoOp:
			fmt.Fprintf(w, "= %s %s: no change (seq %d)\n", out.Key, out.Command, out.Seq)
		case out.Parked:
			fmt.Fprintf(w, "… %s %s: parked at seq %d\n", out.Key, out.Command, out.Seq)
		default:
			fmt.Fprintf(w, "✓ %s %s: seq %d\n", out.Key, out.Command, out.Seq)
		}
		if out.Response != nil {
			fmt.Fprintf(w, "  response: %s\n", value.MustEncode(out.Response))
		}
		for _, f := range out.Faults {
			fmt.Fprintf(w, "  dropped continuation: %s\n", f)
		}
	})
}
