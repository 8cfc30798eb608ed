package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hardaltrack/internal/cdp"
)

// NewTargetsCommand 列出浏览器中可附加的页面
func NewTargetsCommand(rootOpts *RootOptions) *cobra.Command {
	var devtools string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List page targets of a running browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			if devtools == "" {
				devtools = "http://127.0.0.1:9222"
				if ld, err := rootOpts.loadConfig(); err == nil {
					devtools = ld.Config().Browser.DevToolsURL
				}
			}
			targets, err := cdp.ListTargets(cmd.Context(), devtools)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(targets)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tURL")
			for _, t := range targets {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
			}
			if len(targets) == 0 {
				fmt.Fprintln(os.Stderr, "no page targets")
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&devtools, "devtools", "", "DevTools HTTP endpoint (default from config or http://127.0.0.1:9222)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
