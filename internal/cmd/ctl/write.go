package ctl

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxpert/fmq/fmq"
	"github.com/maxpert/fmq/interfaces"
)

// newWriteCommand constructs the `write` subcommand. Payloads come from the
// arguments, or one per line from stdin when there are none.
func newWriteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write URL [PAYLOAD...]",
		Short: "Write messages to a queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgType, _ := cmd.Flags().GetInt32("type")
			subtype, _ := cmd.Flags().GetInt32("subtype")
			create, _ := cmd.Flags().GetBool("create")
			slots, _ := cmd.Flags().GetInt("slots")
			bufSize, _ := cmd.Flags().GetInt64("buf-size")
			batch, _ := cmd.Flags().GetInt("batch")
			count, _ := cmd.Flags().GetInt("count")

			method, err := parseCompression(cmd)
			if err != nil {
				return err
			}

			mode := interfaces.ModeReadWrite
			if create {
				mode = interfaces.ModeCreate
			}
			q, err := openQueue(cmd, args[0],
				fmq.WithMode(mode),
				fmq.WithGeometry(slots, bufSize),
				fmq.WithCompression(method),
				fmq.WithMsgsPerWrite(batch))
			if err != nil {
				return err
			}
			defer closeQueue(q)

			written := 0
			put := func(payload []byte) error {
				if err := q.WriteMsg(cmd.Context(), msgType, subtype, payload); err != nil {
					return err
				}
				written++
				return nil
			}

			switch {
			case count > 0:
				// Numbered payloads, the form `verify` checks for
				for i := 1; i <= count; i++ {
					if err := put([]byte(fmt.Sprintf("msg-%d", i))); err != nil {
						return err
					}
				}
			case len(args) > 1:
				for _, p := range args[1:] {
					if err := put([]byte(p)); err != nil {
						return err
					}
				}
			default:
				sc := bufio.NewScanner(cmd.InOrStdin())
				sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
				for sc.Scan() {
					if err := put(append([]byte(nil), sc.Bytes()...)); err != nil {
						return err
					}
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			if err := q.WriteTheCache(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d messages to %s\n", written, q.URL())
			return nil
		},
	}
	cmd.Flags().Int32("type", 1, "Message type")
	cmd.Flags().Int32("subtype", 0, "Message subtype")
	cmd.Flags().Bool("create", false, "Create (or recreate) the queue")
	cmd.Flags().Int("slots", 0, "Slots when creating (0 = default)")
	cmd.Flags().Int64("buf-size", 0, "Buffer bytes when creating (0 = default)")
	cmd.Flags().String("compression", "none", "Compression: none|gzip|zstd|s2|lz4")
	cmd.Flags().Int("batch", 1, "Messages per write")
	cmd.Flags().Int("count", 0, "Write N numbered messages instead of payloads")
	return cmd
}
