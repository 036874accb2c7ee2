package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/pkg/budget"
	"github.com/openclaw/gateway/pkg/config"
	"github.com/openclaw/gateway/pkg/ledger"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openGuard(configPath string) (*budget.Guard, *budget.KillSwitch, *ledger.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	kill, err := budget.NewKillSwitch(store, quietLog())
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	guard := budget.NewGuard(cfg.Budget.DailySoft, cfg.Budget.DailyMedium, cfg.Budget.DailyHard, store, kill, quietLog())
	return guard, kill, store, nil
}

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect daily spend and manage the kill switch",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's spend against the configured limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			guard, _, store, err := openGuard(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			status, err := guard.Status(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("Date:        %s\n", status.Date)
			fmt.Printf("Spent:       $%.4f\n", status.DailySpent)
			fmt.Printf("Remaining:   $%.4f\n", status.Remaining)
			fmt.Printf("Level:       %s\n", status.Level)
			fmt.Printf("Requests:    %d\n", status.RequestCnt)
			fmt.Printf("Cache hits:  %d\n", status.CacheHits)
			if status.KillSwitch.Enabled {
				fmt.Printf("Kill switch: ON (by %s: %s)\n", status.KillSwitch.Actor, status.KillSwitch.Reason)
			} else {
				fmt.Println("Kill switch: off")
			}
			return nil
		},
	}

	var days int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show per-day spend totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := openGuard(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			history, err := store.History(context.Background(), days)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println("No spending recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tTOTAL\tREQUESTS\tCACHE HITS\tLOCAL\tCHEAP\tPREMIUM")
			for _, d := range history {
				fmt.Fprintf(w, "%s\t$%.4f\t%d\t%d\t$%.4f\t$%.4f\t$%.4f\n",
					d.Date, d.TotalCost, d.RequestCount, d.CacheHits, d.LocalCost, d.CheapCost, d.PremiumCost)
			}
			return w.Flush()
		},
	}
	historyCmd.Flags().IntVar(&days, "days", 30, "number of days to show")

	var reason string
	killCmd := &cobra.Command{
		Use:       "kill-switch [enable|disable|status]",
		Short:     "Control the emergency spend stop",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"enable", "disable", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, kill, store, err := openGuard(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			switch args[0] {
			case "enable":
				if reason == "" {
					reason = "manual"
				}
				if err := kill.Enable(ctx, "cli", reason); err != nil {
					return err
				}
			case "disable":
				if err := kill.Disable(ctx, "cli"); err != nil {
					return err
				}
			}

			state := kill.State()
			if state.Enabled {
				fmt.Printf("Kill switch: ON (by %s: %s, since %s)\n",
					state.Actor, state.Reason, state.ActivatedAt.Format("2006-01-02 15:04:05"))
			} else {
				fmt.Println("Kill switch: off")
			}
			return nil
		},
	}
	killCmd.Flags().StringVar(&reason, "reason", "", "reason recorded when enabling")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gateway.yaml", "path to config file")
	cmd.AddCommand(statusCmd, historyCmd, killCmd)
	return cmd
}
