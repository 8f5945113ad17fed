package ctl

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxpert/fmq/fmq"
	"github.com/maxpert/fmq/transport"
)

// newPingCommand constructs the `ping` subcommand.
func newPingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping HOST[:PORT]",
		Short: "Check that a queue server answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")

			addr := args[0]
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addr = net.JoinHostPort(addr, strconv.Itoa(fmq.DefaultPort))
			}

			start := time.Now()
			ident, err := transport.Ping(cmd.Context(), addr, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s answered from %s in %s\n", ident, addr, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 2*time.Second, "Give up after this long")
	return cmd
}
