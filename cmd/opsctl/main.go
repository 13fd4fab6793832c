package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/keyissuer/internal/app"
	"github.com/example/keyissuer/internal/config"
	"github.com/example/keyissuer/internal/logger"
	"github.com/example/keyissuer/internal/utils"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "opsctl",
		Short:   "Support-desk tooling for the key issuer",
		Version: Version,
	}

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Mint an operator token for the /api/ops routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			cfg := config.Load()
			token, err := utils.GenerateOperatorToken(cfg.JWTSecret, args[0], utils.RoleOperator, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")

	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [order-id]",
		Short: "Reconcile one order and print the trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}

			cfg := config.Load()
			svc, err := open(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.WebhookDeadline)
			defer cancel()

			order, err := svc.Store.Get(ctx, id)
			if err != nil {
				return err
			}
			res, err := svc.Reconciler.Reconcile(ctx, order)
			if err != nil {
				return err
			}

			out := map[string]any{
				"order_id": res.Order.ID,
				"status":   res.Order.Status,
				"outcome":  res.Outcome,
				"txn_hash": res.Order.TxnHash,
				"trail":    res.Trail,
			}
			if res.Cause != nil {
				out["cause"] = res.Cause.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep over stranded orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			svc, err := open(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.Worker.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d orders\n", n)
			return nil
		},
	}
}

func open(cfg *config.Config) (*app.App, error) {
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, zl)
}
