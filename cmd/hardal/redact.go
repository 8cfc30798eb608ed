package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hardaltrack/internal/redact"
)

// NewRedactCommand 对 URL 执行与埋点上报相同的脱敏
func NewRedactCommand(_ *RootOptions) *cobra.Command {
	var (
		fine          bool
		excludeSearch bool
		excludeHash   bool
		base          string
	)

	cmd := &cobra.Command{
		Use:   "redact URL...",
		Short: "Redact PII from URLs the way the tracker does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := redact.ModeCoarse
			if fine {
				mode = redact.ModeFine
			}
			for _, raw := range args {
				b := base
				if b == "" {
					b = raw
				}
				r := redact.New(mode, b, nil)
				fmt.Fprintln(cmd.OutOrStdout(), r.URL(raw, excludeSearch, excludeHash))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fine, "fine", false, "redact offending query parameters only")
	cmd.Flags().BoolVar(&excludeSearch, "exclude-search", false, "drop the query string")
	cmd.Flags().BoolVar(&excludeHash, "exclude-hash", false, "drop the fragment")
	cmd.Flags().StringVar(&base, "base", "", "base URL for relative input")
	return cmd
}
