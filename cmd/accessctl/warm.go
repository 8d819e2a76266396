package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/cache"
	"github.com/254CARBON/access-sub001/pkg/hotquery"
	"github.com/254CARBON/access-sub001/pkg/store"
)

func newWarmCmd(d deps) *cobra.Command {
	var tenant, user, hotQueries string
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Warm the served projection cache for one tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if strings.TrimSpace(cfg.ProjectionServiceURL) == "" {
				return errors.New("ACCESS_PROJECTION_SERVICE_URL is required")
			}
			logger, err := cliLogger(cfg)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			client, err := d.openRedis(ctx, cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer client.Close()

			path := hotQueries
			if path == "" {
				path = cfg.HotQueriesPath
			}
			cm := cache.NewManager(cache.NewAdaptive(store.NewRedisCache(client), cache.DefaultOptions(),
				cache.WithLogger(logger.Named("cache"))), logger.Named("cache"))
			warmer := hotquery.NewWarmer(hotquery.NewLoader(path, logger.Named("hotquery")), cm, d.newSource(cfg, logger),
				hotquery.WithConcurrency(cfg.CacheWarmConcurrency),
				hotquery.WithLogger(logger.Named("warmer")),
			)
			summary := warmer.Warm(ctx, user, tenant)
			logger.Info("cache warm finished", zap.String("tenant_id", tenant), zap.Int("misses", summary.Misses))
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to warm")
	cmd.Flags().StringVar(&user, "user", "", "user recorded as the warm initiator")
	cmd.Flags().StringVar(&hotQueries, "hot-queries", "", "hot-query file (defaults to ACCESS_HOT_QUERIES_PATH)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
