package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/store"
)

var (
	evidenceCategory string
	evidenceSearch   string
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence <operation>",
	Short: "List evidence recorded by an operation",
	Long: `Evidence lists findings stored through the memory tools. Sealed
evidence is opened with the configured vault passphrase
(OPSBRIDGE_VAULT_PASSPHRASE).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.SearchEvidence(args[0], evidenceSearch, evidenceCategory)
		if err != nil {
			return err
		}
		return printEvidence(cmd.OutOrStdout(), items)
	},
}

func init() {
	evidenceCmd.Flags().StringVar(&evidenceCategory, "category", "", "Only show this category")
	evidenceCmd.Flags().StringVarP(&evidenceSearch, "search", "q", "", "Case-insensitive content filter")
	rootCmd.AddCommand(evidenceCmd)
}

func printEvidence(out io.Writer, items []store.Evidence) error {
	if len(items) == 0 {
		fmt.Fprintln(out, "No evidence recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCATEGORY\tSEALED\tCONTENT")
	for _, ev := range items {
		sealed := ""
		if ev.Sealed {
			sealed = "yes"
		}
		content := strings.Join(strings.Fields(ev.Content), " ")
		if len(content) > 120 {
			content = content[:117] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Category, sealed, content)
	}
	return w.Flush()
}
