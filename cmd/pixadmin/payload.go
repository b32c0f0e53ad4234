package main

import (
	"fmt"
	"os"

	"pix-settlement-go/internal/common"
	"pix-settlement-go/internal/config"
	"pix-settlement-go/internal/pix"

	"github.com/spf13/cobra"
)

func payloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payload",
		Short: "Inspect or build BR Code payloads",
	}
	cmd.AddCommand(payloadParseCmd())
	cmd.AddCommand(payloadBuildCmd())
	return cmd
}

func payloadParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [code]",
		Short: "Verify the checksum of a payload and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pix.Parse(args[0])
			if err != nil {
				return err
			}

			common.PrintHeader("PIX PAYLOAD", common.DefaultWidth)
			fmt.Printf("Merchant key:  %s\n", p.Merchant.Key)
			fmt.Printf("Merchant name: %s\n", p.Merchant.Name)
			fmt.Printf("Merchant city: %s\n", p.Merchant.City)
			if p.AmountMinor > 0 {
				fmt.Printf("Amount:        %s\n", common.FormatBRL(p.AmountMinor))
			} else {
				fmt.Println("Amount:        (payer chooses)")
			}
			fmt.Printf("Reference:     %s\n", p.Reference)
			fmt.Printf("Checksum:      %s (valid)\n", p.Code[len(p.Code)-4:])
			return nil
		},
	}
}

func payloadBuildCmd() *cobra.Command {
	var (
		amountMinor int64
		reference   string
		pngPath     string
		size        int
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a payload for the configured merchant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			builder, err := pix.NewBuilder(cfg.Merchant, cfg.Settlement.MaxAmountMinor)
			if err != nil {
				return err
			}
			p, err := builder.Build(amountMinor, reference)
			if err != nil {
				return err
			}
			fmt.Println(p.Code)

			if pngPath != "" {
				png, err := p.QRCodePNG(size)
				if err != nil {
					return err
				}
				if err := os.WriteFile(pngPath, png, 0o644); err != nil {
					return fmt.Errorf("unable to write %s: %w", pngPath, err)
				}
				fmt.Fprintf(os.Stderr, "QR code written to %s\n", pngPath)
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&amountMinor, "amount-minor", "m", 0, "Amount in centavos")
	cmd.Flags().StringVarP(&reference, "ref", "r", "", "Transaction reference")
	cmd.Flags().StringVar(&pngPath, "png", "", "Also write a QR code PNG to this path")
	cmd.Flags().IntVar(&size, "size", 256, "QR code size in pixels")
	return cmd
}
