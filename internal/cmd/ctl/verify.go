package ctl

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxpert/fmq/fmq"
	"github.com/maxpert/fmq/interfaces"
)

// newVerifyCommand constructs the `verify` subcommand: after a writer wrote
// numbered messages with `write --count` and was killed, it checks that
// every live message is intact and that ids and payload numbers have no
// gaps.
func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify URL",
		Short: "Check a queue written with `write --count` for gaps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, _ := cmd.Flags().GetInt("count")

			q, err := openQueue(cmd, args[0],
				fmq.WithMode(interfaces.ModeReadOnly),
				fmq.WithPosition(interfaces.PositionStart))
			if err != nil {
				return err
			}
			defer closeQueue(q)

			var (
				seen   int
				lastID int64
				lastN  int
			)
			for {
				msg, ok, err := q.ReadMsg(cmd.Context(), interfaces.AnyType(), 0)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				var n int
				if _, err := fmt.Sscanf(string(msg.Payload), "msg-%d", &n); err != nil {
					return fmt.Errorf("message %d has unexpected payload %q", msg.ID, msg.Payload)
				}
				if seen > 0 {
					if msg.ID != lastID+1 {
						return fmt.Errorf("id gap: %d follows %d", msg.ID, lastID)
					}
					if n != lastN+1 {
						return fmt.Errorf("payload gap: msg-%d follows msg-%d", n, lastN)
					}
				}
				seen++
				lastID, lastN = msg.ID, n
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d live messages, last id %d, last payload msg-%d\n", seen, lastID, lastN)
			if expected > 0 && lastN != expected {
				return fmt.Errorf("expected the newest message to be msg-%d, found msg-%d", expected, lastN)
			}
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
	cmd.Flags().Int("count", 0, "Number of messages the writer was asked to write (0 = only check for gaps)")
	return cmd
}
