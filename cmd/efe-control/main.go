// Package main is the entry point for the efe-control binary: the
// multi-tenant TLS reverse-proxy control plane described in §1.
// Dependencies are assembled via Google Wire; see wire.go and the
// hand-maintained wire_gen.go (this module's toolchain is never
// invoked to regenerate it, so it is kept in sync by hand whenever a
// provider's signature changes).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ezfrontend/efe-control/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	rootCmd := &cobra.Command{
		Use:           "efe-control",
		Short:         "efe-control: a multi-tenant TLS reverse-proxy control plane.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := wireApp(conf)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			defer cleanup()

			return app.Run(cmd.Context())
		},
	}

	fs := pflag.NewFlagSet("efe-control", pflag.ContinueOnError)
	if err := conf.BindFlags(fs, config.Options); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	rootCmd.Flags().AddFlagSet(fs)

	return rootCmd.ExecuteContext(ctx)
}
