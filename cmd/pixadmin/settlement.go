package main

import (
	"context"
	"fmt"

	"pix-settlement-go/internal/common"
	"pix-settlement-go/internal/models"

	"github.com/spf13/cobra"
)

func unreconciledCmd() *cobra.Command {
	var includeResolved bool

	cmd := &cobra.Command{
		Use:   "unreconciled",
		Short: "List payments no strategy could attribute",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, _ *models.Config, services *common.Services) error {
				payments, err := services.Payments.ListUnreconciled(ctx, includeResolved)
				if err != nil {
					return err
				}

				common.PrintHeader(fmt.Sprintf("UNRECONCILED PAYMENTS (%d)", len(payments)), common.WideWidth)
				if len(payments) == 0 {
					fmt.Println("Queue is empty")
					return nil
				}
				for i, p := range payments {
					isLast := i == len(payments)-1
					fmt.Printf("%s%s  %s  %s\n", common.BoxPrefix(isLast), p.Id, common.FormatBRL(p.AmountMinor), p.Reason)
					detail := common.BoxDetailPrefix(isLast)
					fmt.Printf("%s  notification: %s (%s)\n", detail, p.NotificationId, p.Source)
					if p.Reference != "" {
						fmt.Printf("%s  reference:    %s\n", detail, p.Reference)
					}
					if p.Description != "" {
						fmt.Printf("%s  description:  %s\n", detail, p.Description)
					}
					if p.Resolved {
						fmt.Printf("%s  resolved by %s\n", detail, p.ResolvedBy)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&includeResolved, "all", "a", false, "Include resolved entries")
	return cmd
}

func settleCmd() *cobra.Command {
	var req models.ManualSettlement

	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Credit a payer manually, optionally resolving a queued payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.PayerId == "" {
				return fmt.Errorf("--payer is required")
			}
			return withServices(func(ctx context.Context, _ *models.Config, services *common.Services) error {
				result, err := services.Payments.SettleManually(ctx, req)
				if err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("settlement rejected: %s", result.Error)
				}

				common.PrintHeader("MANUAL SETTLEMENT", common.DefaultWidth)
				fmt.Printf("User:         %s\n", result.UserId)
				fmt.Printf("Outcome:      %s\n", result.Outcome)
				fmt.Printf("Tokens:       %d\n", result.TokensCredited)
				fmt.Printf("New balance:  %d\n", result.NewBalance)
				fmt.Printf("Notification: %s\n", result.NotificationId)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&req.PayerId, "payer", "p", "", "User to credit (required)")
	cmd.Flags().Int64VarP(&req.AmountMinor, "amount-minor", "m", 0, "Amount in centavos (defaults to the queued payment's amount)")
	cmd.Flags().StringVarP(&req.UnreconciledId, "id", "i", "", "Unreconciled payment to resolve")
	cmd.Flags().StringVar(&req.Operator, "operator", "admin", "Operator recorded on the audit trail")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending expectations older than the expiry window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, _ *models.Config, services *common.Services) error {
				expired, err := services.Payments.SweepRegistry(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d pending expectation(s)\n", expired)
				return nil
			})
		},
	}
}
