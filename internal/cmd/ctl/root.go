// Package ctl contains the Cobra commands of the fmqctl operator tool.
package ctl

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	"github.com/maxpert/fmq/config"
	"github.com/maxpert/fmq/fmq"
	"github.com/maxpert/fmq/interfaces"
)

// NewRoot constructs the fmqctl root command.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "fmqctl",
		Short:         "Inspect and exercise file message queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Configuration file (YAML/JSON); FMQ_* env vars also apply")
	root.PersistentFlags().Bool("debug", false, "Log client activity to stderr")

	root.AddCommand(
		newInfoCommand(),
		newTailCommand(),
		newWriteCommand(),
		newVerifyCommand(),
		newPingCommand(),
	)
	return root
}

// clientOptions turns the persistent flags into façade options.
func clientOptions(cmd *cobra.Command) ([]fmq.Option, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	opts := []fmq.Option{
		fmq.WithClientConfig(cfg.Client),
		fmq.WithProgName("fmqctl"),
		fmq.WithDebug(debug),
	}
	if debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts = append(opts, fmq.WithLogger(logger))
	}
	return opts, nil
}

func openQueue(cmd *cobra.Command, url string, extra ...fmq.Option) (*fmq.Queue, error) {
	opts, err := clientOptions(cmd)
	if err != nil {
		return nil, err
	}
	return fmq.Open(cmd.Context(), url, append(opts, extra...)...)
}

func closeQueue(q *fmq.Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = q.Close(ctx)
}

// typeFilter builds a filter from --type flags; none means every type.
func typeFilter(types []int) interfaces.TypeFilter {
	if len(types) == 0 {
		return interfaces.AnyType()
	}
	ts := make([]int32, len(types))
	for i, t := range types {
		ts[i] = int32(t)
	}
	return interfaces.Types(ts...)
}

func parseCompression(cmd *cobra.Command) (compress.Method, error) {
	name, _ := cmd.Flags().GetString("compression")
	return compress.ParseMethod(name)
}
