package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/codefionn/aardvark-hub/internal/persistence"
	"github.com/spf13/cobra"
)

var gadgetsJSON bool

// gadgetsCmd lists what the hub will restart through the master gadget
var gadgetsCmd = &cobra.Command{
	Use:   "gadgets",
	Short: "List persisted gadgets",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLogger()

		store, err := persistence.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		gadgets, err := store.Gadgets()
		if err != nil {
			return err
		}
		return printGadgets(cmd.OutOrStdout(), gadgets, gadgetsJSON)
	},
}

func init() {
	rootCmd.AddCommand(gadgetsCmd)
	gadgetsCmd.Flags().BoolVar(&gadgetsJSON, "json", false, "Print as JSON")
}

func printGadgets(w io.Writer, gadgets []persistence.StoredGadget, asJSON bool) error {
	if asJSON {
		if gadgets == nil {
			gadgets = []persistence.StoredGadget{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(gadgets)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tURI\tHOOK")
	for _, g := range gadgets {
		hook := g.HookPath
		if hook == "" {
			hook = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", g.UUID, g.URI, hook)
	}
	return tw.Flush()
}
