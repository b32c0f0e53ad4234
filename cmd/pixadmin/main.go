package main

import (
	"context"
	"fmt"
	"os"

	"pix-settlement-go/internal/common"
	"pix-settlement-go/internal/config"
	"pix-settlement-go/internal/models"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pixadmin",
		Short:        "Operator tools for the PIX settlement engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(unreconciledCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(openWindowCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(payloadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServices loads configuration, wires the services and runs fn. The
// background loops are not started; every command is a single operation.
func withServices(fn func(ctx context.Context, cfg *models.Config, services *common.Services) error) error {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer services.Close()

	return fn(ctx, cfg, services)
}
