package main

import (
	"context"
	"fmt"
	"time"

	"pix-settlement-go/internal/common"
	"pix-settlement-go/internal/models"

	"github.com/spf13/cobra"
)

func openWindowCmd() *cobra.Command {
	var operator string

	cmd := &cobra.Command{
		Use:   "open-window",
		Short: "Open an emergency withdrawal window and snapshot entitlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, _ *models.Config, services *common.Services) error {
				window, reports, err := services.Payments.ForceOpenWindow(ctx, operator)
				if err != nil {
					return err
				}

				common.PrintHeader("WITHDRAWAL WINDOW", common.DefaultWidth)
				fmt.Printf("Key:       %s\n", window.Key)
				fmt.Printf("Open:      %t\n", window.IsOpen)
				fmt.Printf("Opens at:  %s\n", window.OpensAt.Format(time.RFC3339))
				fmt.Printf("Closes at: %s\n", window.ClosesAt.Format(time.RFC3339))
				for _, r := range reports {
					fmt.Printf("  %s %s: %d user(s), %d notified\n", r.Transition, r.WindowKey, r.Users, r.Notified)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "admin", "Operator recorded on the override")
	return cmd
}
