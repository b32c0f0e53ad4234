package main

import (
	"context"
	"fmt"

	"pix-settlement-go/internal/common"
	"pix-settlement-go/internal/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func walletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet [user_id]",
		Short: "Show token and credit balances for one or all users",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var userFilter string
			if len(args) == 1 {
				userFilter = args[0]
			}

			return withServices(func(ctx context.Context, _ *models.Config, services *common.Services) error {
				users, err := common.ResolveUsers(ctx, services.DbService, userFilter)
				if err != nil {
					return err
				}

				common.PrintHeader("WALLETS", common.DefaultWidth)
				for i, u := range users {
					isLast := i == len(users)-1
					detail := common.BoxDetailPrefix(isLast)

					fmt.Printf("%s%s (%s, plan %s)\n", common.BoxPrefix(isLast), u.Name, u.Id, u.Plan)
					fmt.Printf("%s  tokens:   %d (plan %d, purchased %d, earned %d, spent %d)\n",
						detail, u.TotalBalance(), u.TokensFromPlan, u.TokensPurchased, u.TokensEarned, u.TokensSpent)
					fmt.Printf("%s  credit:   %d accumulated, %d withdrawn, %d available\n",
						detail, u.AccumulatedCredit, u.WithdrawnCredit, u.AvailableToWithdraw)

					if services.Journal != nil {
						mirrored, err := services.Journal.MirroredTokens(ctx, u.Id)
						if err != nil {
							zap.L().Warn("Unable to read journal balance", zap.String("user_id", u.Id), zap.Error(err))
							continue
						}
						status := "in sync"
						if mirrored != u.TokensPurchased {
							status = "DRIFT"
						}
						fmt.Printf("%s  journal:  %d purchased tokens mirrored (%s)\n", detail, mirrored, status)
					}
				}
				return nil
			})
		},
	}
}
