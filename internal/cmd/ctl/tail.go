package ctl

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/fmq"
	"github.com/maxpert/fmq/interfaces"
)

type tailedMessage struct {
	ID      int64     `json:"id"`
	Type    int32     `json:"type"`
	Subtype int32     `json:"subtype"`
	Time    time.Time `json:"time"`
	Payload string    `json:"payload"`
}

// newTailCommand constructs the `tail` subcommand.
func newTailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail URL",
		Short: "Print messages from a queue as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			types, _ := cmd.Flags().GetIntSlice("type")
			limit, _ := cmd.Flags().GetInt("limit")
			follow, _ := cmd.Flags().GetBool("follow")
			wait, _ := cmd.Flags().GetDuration("wait")

			pos, err := interfaces.ParsePosition(from)
			if err != nil {
				return err
			}
			mode := interfaces.ModeReadOnly
			if follow {
				mode = interfaces.ModeBlockingReadOnly
			}

			q, err := openQueue(cmd, args[0], fmq.WithMode(mode), fmq.WithPosition(pos))
			if err != nil {
				return err
			}
			defer closeQueue(q)

			enc := json.NewEncoder(cmd.OutOrStdout())
			filter := typeFilter(types)
			for n := 0; limit == 0 || n < limit; n++ {
				var msg interfaces.Message
				if follow {
					msg, err = q.ReadMsgBlocking(cmd.Context(), filter)
					if cmd.Context().Err() != nil {
						return nil
					}
				} else {
					var ok bool
					msg, ok, err = q.ReadMsg(cmd.Context(), filter, wait)
					if err == nil && !ok {
						return nil
					}
				}
				if fmqerrors.IsTimeout(err) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := enc.Encode(tailedMessage{
					ID:      msg.ID,
					Type:    msg.Type,
					Subtype: msg.Subtype,
					Time:    msg.Time,
					Payload: string(msg.Payload),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().String("from", "start", "Start position: start|end|last")
	cmd.Flags().IntSlice("type", nil, "Only print messages of these types")
	cmd.Flags().Int("limit", 0, "Stop after N messages (0 = no limit)")
	cmd.Flags().BoolP("follow", "f", false, "Keep waiting for new messages")
	cmd.Flags().Duration("wait", 0, "Without --follow, wait this long for each message")
	return cmd
}
