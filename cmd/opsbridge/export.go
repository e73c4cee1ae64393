package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/store"
)

var exportPath string

var exportCmd = &cobra.Command{
	Use:   "export <operation>",
	Short: "Export the event log of an operation as zstd-compressed JSONL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		op, err := db.GetOperation(args[0])
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("operation %s not found", args[0])
		}

		f, err := os.Create(exportPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()

		n, err := exportEvents(db, op.ID, f)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}

		info, _ := os.Stat(exportPath)
		size := int64(0)
		if info != nil {
			size = info.Size()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Export complete: %d events, %s\n", n, formatSize(size))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportPath, "file", "f", "", "Output path (.jsonl.zst)")
	_ = exportCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(exportCmd)
}

// exportEvents writes every persisted event of the operation to w as
// zstd-compressed JSON lines and returns how many were written.
func exportEvents(s *store.Store, opID string, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	n := 0
	err = s.EachEvent(opID, func(r store.EventRecord) error {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write event %d: %w", r.Seq, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}

	// Close explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("close zstd: %w", err)
	}
	return n, nil
}

func formatSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
