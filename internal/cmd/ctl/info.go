package ctl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/storage"
)

type queueInfo struct {
	Path          string    `json:"path"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedOn     string    `json:"created_on,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	NumSlots      int       `json:"num_slots"`
	BufSize       int64     `json:"buf_size"`
	Compression   string    `json:"compression"`
	OldestID      int64     `json:"oldest_id"`
	LastID        int64     `json:"last_id"`
	Live          int64     `json:"live"`
	LiveBytes     int64     `json:"live_bytes"`
	Generation    int64     `json:"generation"`
	LastWrite     time.Time `json:"last_write,omitempty"`
	SingleWriter  bool      `json:"single_writer"`
	BlockingWrite bool      `json:"blocking_write"`
}

// newInfoCommand constructs the `info` subcommand. It reads the queue files
// directly, so it only works on queues on this host.
func newInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info PATH",
		Short: "Show the geometry and state of a local queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			info, err := inspect(cmd, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "path:          %s\n", info.Path)
			if info.CreatedBy != "" {
				fmt.Fprintf(out, "created by:    %s on %s at %s\n", info.CreatedBy, info.CreatedOn, info.CreatedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "geometry:      %d slots, %d bytes\n", info.NumSlots, info.BufSize)
			fmt.Fprintf(out, "compression:   %s\n", info.Compression)
			fmt.Fprintf(out, "messages:      %d live (%d bytes), ids %d..%d\n", info.Live, info.LiveBytes, info.OldestID, info.LastID)
			fmt.Fprintf(out, "generation:    %d\n", info.Generation)
			if !info.LastWrite.IsZero() {
				fmt.Fprintf(out, "last write:    %s\n", info.LastWrite.Format(time.RFC3339Nano))
			}
			fmt.Fprintf(out, "single writer: %t\n", info.SingleWriter)
			fmt.Fprintf(out, "blocking:      %t\n", info.BlockingWrite)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}

func inspect(cmd *cobra.Command, path string) (*queueInfo, error) {
	q, err := storage.Open(cmd.Context(), path, storage.Options{Mode: interfaces.ModeReadOnly})
	if err != nil {
		return nil, err
	}
	defer q.Close()

	st, err := q.Stats()
	if err != nil {
		return nil, err
	}

	info := &queueInfo{
		Path:          st.Path,
		NumSlots:      st.NumSlots,
		BufSize:       st.BufSize,
		Compression:   st.Compression.String(),
		OldestID:      st.OldestID,
		LastID:        st.LastID,
		Live:          st.Live,
		LiveBytes:     st.LiveBytes,
		Generation:    st.Generation,
		LastWrite:     st.LastWrite,
		SingleWriter:  st.SingleWriter,
		BlockingWrite: st.BlockingWrite,
	}
	// The descriptor is informational; queues created elsewhere may lack it.
	if desc, err := storage.ReadInfo(path); err == nil {
		info.CreatedBy = desc.ProgName
		info.CreatedOn = fmt.Sprintf("%s (pid %d)", desc.Host, desc.PID)
		info.CreatedAt = desc.CreatedAt
	}
	return info, nil
}
