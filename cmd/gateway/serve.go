package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/pkg/audit"
	"github.com/openclaw/gateway/pkg/budget"
	"github.com/openclaw/gateway/pkg/cache"
	"github.com/openclaw/gateway/pkg/config"
	"github.com/openclaw/gateway/pkg/embedding"
	"github.com/openclaw/gateway/pkg/gateway"
	"github.com/openclaw/gateway/pkg/ledger"
	"github.com/openclaw/gateway/pkg/metrics"
	"github.com/openclaw/gateway/pkg/policy"
	"github.com/openclaw/gateway/pkg/provider"
	"github.com/openclaw/gateway/pkg/ratelimit"
	"github.com/openclaw/gateway/pkg/router"
	"github.com/openclaw/gateway/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(log)

			store, err := ledger.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer func() { _ = store.Close() }()

			kill, err := budget.NewKillSwitch(store, log)
			if err != nil {
				return fmt.Errorf("load kill switch: %w", err)
			}
			guard := budget.NewGuard(cfg.Budget.DailySoft, cfg.Budget.DailyMedium, cfg.Budget.DailyHard, store, kill, log)

			var auditor *audit.Logger
			if cfg.Audit.Enabled {
				auditor, err = audit.New(store.DB(), cfg.Audit.Retention)
				if err != nil {
					return fmt.Errorf("init audit: %w", err)
				}
				defer func() { _ = auditor.Close() }()
				guard.OnDiscrepancy(func(ctx context.Context, t ledger.Transaction, commitErr error) {
					_ = auditor.RecordDiscrepancy(ctx, audit.Discrepancy{
						RequestID: t.RequestID,
						CostUSD:   t.Cost,
						Tier:      string(t.Tier),
						Provider:  t.Provider,
						Detail:    commitErr.Error(),
					})
				})
			}

			var exact *cache.Exact
			var semantic *cache.Semantic
			if cfg.Cache.Enabled {
				exact, err = cache.NewExact(store.DB(), cfg.Cache.TTL, cfg.Cache.MaxEntries)
				if err != nil {
					return fmt.Errorf("init exact cache: %w", err)
				}
				if cfg.Cache.SemanticEnabled {
					var embedder embedding.Embedder
					if cfg.Cache.EmbedURL != "" {
						embedder = embedding.NewHTTPEmbedder(cfg.Cache.EmbedURL, cfg.Providers.Groq.APIKey, cfg.Cache.EmbedModel, 0)
					} else {
						embedder = embedding.NewHashEmbedder(0)
					}
					semantic, err = cache.NewSemantic(store.DB(), embedder, cfg.Cache.SemanticThreshold, cfg.Cache.TTL, cfg.Cache.SemanticMax)
					if err != nil {
						return fmt.Errorf("init semantic cache: %w", err)
					}
				}
			}

			var providers []provider.Provider
			var local *provider.OpenAICompat
			if cfg.Providers.Local.Enabled {
				local = provider.NewLocal(cfg.Providers.Local.URL, cfg.Providers.Local.Model)
				providers = append(providers, local)
			}
			if cfg.Providers.Groq.APIKey != "" {
				providers = append(providers, provider.NewGroq(cfg.Providers.Groq.URL, cfg.Providers.Groq.APIKey, cfg.Providers.Groq.Model))
			}
			if cfg.Providers.Anthropic.APIKey != "" {
				providers = append(providers, provider.NewAnthropic(cfg.Providers.Anthropic.URL, cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model))
			}
			if len(providers) == 0 {
				return fmt.Errorf("no providers configured: set GROQ_API_KEY, ANTHROPIC_API_KEY, or enable the local backend")
			}
			disp := provider.NewDispatcher(providers, cfg.Providers.Timeout, cfg.Providers.MaxRetries, cfg.Providers.PaceRPS, log)

			var gate *policy.Gate
			if cfg.Policy.Enabled {
				gate = policy.NewGate(log, policy.WithCodeExampleAllowance(cfg.Policy.AllowCodeExamples))
			}

			var limiter *ratelimit.Limiter
			if cfg.RateLimit.Enabled {
				limiter = ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.TokensPerWindow, cfg.RateLimit.Window)
			}

			col := metrics.New()
			gw := gateway.New(gateway.Deps{
				Gate:       gate,
				Limiter:    limiter,
				Guard:      guard,
				Kill:       kill,
				Exact:      exact,
				Semantic:   semantic,
				Router:     router.New(disp, cfg.Router.LocalMaxTokens, cfg.Router.ContextBudgetCheap, cfg.Router.ContextBudgetPremium, log),
				Dispatcher: disp,
				Metrics:    col,
				Audit:      auditor,
				Log:        log,
			})

			var lister server.ModelLister
			if local != nil {
				lister = local
			}
			srv, err := server.New(server.Deps{
				Listen:  cfg.Listen,
				Secret:  cfg.Secret,
				Gateway: gw,
				Guard:   guard,
				Kill:    kill,
				Metrics: col,
				Local:   lister,
				Log:     log,
			})
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("gateway starting", "config", configPath, "listen", cfg.Listen, "providers", len(providers))
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "path to config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}
