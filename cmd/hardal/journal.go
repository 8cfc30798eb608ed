package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hardaltrack/internal/logger"
	"hardaltrack/internal/storage"
)

// NewJournalCommand 打印最近的投递记录
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent deliveries from the local journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ld, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			cfg := ld.Config()
			j, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, logger.NewNop())
			if err != nil {
				return err
			}
			defer j.Close()

			reports, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSESSION\tEVENT\tSTATUS\tHTTP\tDETAIL")
			for _, r := range reports {
				detail := r.Reason
				if r.Error != "" {
					detail = r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.At.Local().Format(time.DateTime), r.Session, r.EventName, r.Status, r.HTTPStatus, detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
