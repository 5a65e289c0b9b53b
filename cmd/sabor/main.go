// Package main provides the sabor binary entry point.
// Sabor runs the dish voting service: attempts move through identity,
// SMS challenge, geofence and photo integrity checks before a vote is
// committed and ranked.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/okian/sabor/internal/domain/identity"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sabor"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dish voting service",
		Long: `Sabor serves the voting API of a food festival.

A vote attempt walks through:
- identity check (CPF and mobile phone)
- SMS one-time code challenge
- geofence check against the venue
- photo integrity analysis

Committed votes feed per-category dish and voter leaderboards.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML); overrides SABOR_CONFIG")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	cmd.AddCommand(checkIDCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// errInvalidIdentity makes check-id exit non-zero.
var errInvalidIdentity = errors.New("identity rejected")

func checkIDCmd() *cobra.Command {
	var cpf, phone string

	cmd := &cobra.Command{
		Use:   "check-id",
		Short: "Validate a CPF and phone number offline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			ok := true
			if cpf != "" {
				valid := identity.ValidNationalID(cpf)
				ok = ok && valid
				fmt.Fprintf(out, "cpf %s: %s\n", identity.Digits(cpf), verdict(valid))
			}
			if phone != "" {
				normalized, err := identity.NormalizePhone(phone)
				if err != nil {
					ok = false
					fmt.Fprintf(out, "phone %s: %s\n", identity.Digits(phone), verdict(false))
				} else {
					fmt.Fprintf(out, "phone %s: %s\n", normalized, verdict(true))
				}
			}
			if !ok {
				return errInvalidIdentity
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cpf, "cpf", "", "CPF, with or without punctuation")
	cmd.Flags().StringVar(&phone, "phone", "", "Mobile phone with area code")
	cmd.MarkFlagsOneRequired("cpf", "phone")
	return cmd
}

func verdict(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}
