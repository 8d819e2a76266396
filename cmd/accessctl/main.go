// Command accessctl is the operator CLI for the access layer: cache
// warming, hot-query inspection and rule seeding.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/config"
	"github.com/254CARBON/access-sub001/pkg/entitlements"
	"github.com/254CARBON/access-sub001/pkg/hotquery"
	"github.com/254CARBON/access-sub001/pkg/logging"
	"github.com/254CARBON/access-sub001/pkg/resilience"
	"github.com/254CARBON/access-sub001/pkg/rules"
	"github.com/254CARBON/access-sub001/pkg/served"
	"github.com/254CARBON/access-sub001/pkg/store"
)

type ruleSaver interface {
	Save(ctx context.Context, r rules.Rule) error
}

// deps are the external systems a command may open.
type deps struct {
	loadConfig    func() (*config.Config, error)
	openRedis     func(ctx context.Context, url string) (*redis.Client, error)
	openRuleStore func(ctx context.Context, dsn string) (ruleSaver, func(), error)
	newSource     func(cfg *config.Config, logger *zap.Logger) hotquery.ProjectionSource
}

func defaultDeps() deps {
	return deps{
		loadConfig: config.Load,
		openRedis: func(ctx context.Context, url string) (*redis.Client, error) {
			return store.NewRedis(ctx, url, store.RedisTLSFilesFromEnv())
		},
		openRuleStore: func(ctx context.Context, dsn string) (ruleSaver, func(), error) {
			pool, err := store.NewPostgresPool(ctx, dsn)
			if err != nil {
				return nil, nil, err
			}
			return entitlements.NewPostgresStore(pool), pool.Close, nil
		},
		newSource: func(cfg *config.Config, logger *zap.Logger) hotquery.ProjectionSource {
			retry := served.RetryConfig()
			retry.MaxAttempts = cfg.RetryMaxAttempts
			return served.NewClient(cfg.ProjectionServiceURL,
				served.WithBreaker(resilience.NewBreaker(served.BreakerName, served.BreakerConfig())),
				served.WithRetry(retry),
				served.WithLogger(logger.Named("served")),
			)
		},
	}
}

// Testable variables for main()
var osExit = os.Exit

func main() {
	root := newRootCmd(defaultDeps())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}

func newRootCmd(d deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "accessctl",
		Short:         "Operate the market-data access layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newWarmCmd(d), newHotQueriesCmd(), newRulesCmd(d))
	return root
}

func cliLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stderr"})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
