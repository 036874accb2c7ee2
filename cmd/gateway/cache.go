package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/pkg/cache"
	"github.com/openclaw/gateway/pkg/config"
	"github.com/openclaw/gateway/pkg/embedding"
	"github.com/openclaw/gateway/pkg/ledger"
)

func openCaches(configPath string) (*cache.Exact, *cache.Semantic, *ledger.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	exact, err := cache.NewExact(store.DB(), cfg.Cache.TTL, cfg.Cache.MaxEntries)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	semantic, err := cache.NewSemantic(store.DB(), embedding.NewHashEmbedder(0),
		cfg.Cache.SemanticThreshold, cfg.Cache.TTL, cfg.Cache.SemanticMax)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return exact, semantic, store, nil
}

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response caches",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			exact, semantic, store, err := openCaches(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			es, err := exact.Stats(ctx)
			if err != nil {
				return err
			}
			ss, err := semantic.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Exact cache:    %d entries\n", es.Entries)
			fmt.Printf("Semantic cache: %d entries\n", ss.Entries)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			exact, semantic, store, err := openCaches(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			if err := exact.Clear(ctx, expiredOnly); err != nil {
				return err
			}
			if err := semantic.Clear(ctx, expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Println("Expired cache entries cleared.")
			} else {
				fmt.Println("Caches cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only delete expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gateway.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
