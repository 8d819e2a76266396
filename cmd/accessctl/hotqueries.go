package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/hotquery"
)

func newHotQueriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hot-queries",
		Short: "Inspect the hot-query file",
	}
	var file, section, tenant string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the entries a tenant would warm for one section",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(hotquery.Sections, section) {
				return fmt.Errorf("unknown section %q (want one of %s)", section, strings.Join(hotquery.Sections, ", "))
			}
			loader := hotquery.NewLoader(file, zap.NewNop())
			entries := loader.Entries(section, tenant, limit)
			if entries == nil {
				entries = []hotquery.Entry{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"section":     section,
				"tenant_id":   tenant,
				"ttl_seconds": loader.DefaultTTL(section, 0),
				"entries":     entries,
			})
		},
	}
	list.Flags().StringVar(&file, "file", "", "hot-query file")
	list.Flags().StringVar(&section, "section", "", "section: latest_price, curve_snapshot or custom")
	list.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	list.Flags().IntVar(&limit, "limit", 0, "maximum entries (0 means the section's max_entries)")
	_ = list.MarkFlagRequired("file")
	_ = list.MarkFlagRequired("section")
	_ = list.MarkFlagRequired("tenant")
	cmd.AddCommand(list)
	return cmd
}
