package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/254CARBON/access-sub001/pkg/entitlements"
)

func newRulesCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage persisted entitlement rules",
	}
	var file string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the rules of a YAML seed file into Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := entitlements.LoadSeedFile(file, time.Now().UTC())
			if err != nil {
				return err
			}
			cfg, err := d.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if strings.TrimSpace(cfg.PostgresDSN) == "" {
				return errors.New("ACCESS_POSTGRES_DSN is required")
			}
			st, closeStore, err := d.openRuleStore(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer closeStore()
			for _, r := range list {
				if err := st.Save(cmd.Context(), r); err != nil {
					return fmt.Errorf("save rule %s: %w", r.RuleID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rules from %s\n", len(list), file)
			return nil
		},
	}
	seed.Flags().StringVar(&file, "file", "", "YAML seed file")
	_ = seed.MarkFlagRequired("file")
	cmd.AddCommand(seed)
	return cmd
}
