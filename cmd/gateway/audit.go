package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/pkg/audit"
	"github.com/openclaw/gateway/pkg/config"
	"github.com/openclaw/gateway/pkg/ledger"
)

func newAuditCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the request audit trail",
	}

	openAudit := func() (*audit.Logger, *ledger.Store, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		store, err := ledger.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		auditor, err := audit.New(store.DB(), cfg.Audit.Retention)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return auditor, store, nil
	}

	var limit int
	var prefix string
	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent request decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			auditor, store, err := openAudit()
			if err != nil {
				return err
			}
			defer func() { _ = auditor.Close(); _ = store.Close() }()

			entries, err := auditor.Recent(context.Background(), prefix, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No audit entries.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tREQUEST\tCALLER\tTIER\tCACHE\tCOST\tSTATUS\tLATENCY")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t$%.4f\t%d\t%dms\n",
					e.CreatedAt.Format("01-02 15:04:05"), e.RequestID, e.CallerPrefix,
					e.Tier, e.CacheHit, e.CostUSD, e.StatusCode, e.LatencyMs)
			}
			return w.Flush()
		},
	}
	recentCmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	recentCmd.Flags().StringVar(&prefix, "caller", "", "filter by caller key prefix")

	discrepancyCmd := &cobra.Command{
		Use:   "discrepancies",
		Short: "Show unreconciled ledger commit failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			auditor, store, err := openAudit()
			if err != nil {
				return err
			}
			defer func() { _ = auditor.Close(); _ = store.Close() }()

			open, err := auditor.OpenDiscrepancies(context.Background())
			if err != nil {
				return err
			}
			if len(open) == 0 {
				fmt.Println("No open discrepancies.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tREQUEST\tTIER\tCOST\tDETAIL")
			for _, d := range open {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t$%.4f\t%s\n",
					d.ID, d.CreatedAt.Format("01-02 15:04:05"), d.RequestID, d.Tier, d.CostUSD, d.Detail)
			}
			return w.Flush()
		},
	}

	var resolveID int64
	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Mark a discrepancy as reconciled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolveID == 0 {
				return fmt.Errorf("--id is required")
			}
			auditor, store, err := openAudit()
			if err != nil {
				return err
			}
			defer func() { _ = auditor.Close(); _ = store.Close() }()

			if err := auditor.Resolve(context.Background(), resolveID); err != nil {
				return err
			}
			fmt.Printf("Discrepancy %d resolved.\n", resolveID)
			return nil
		},
	}
	resolveCmd.Flags().Int64Var(&resolveID, "id", 0, "discrepancy id")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gateway.yaml", "path to config file")
	cmd.AddCommand(recentCmd, discrepancyCmd, resolveCmd)
	return cmd
}
