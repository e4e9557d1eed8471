// Command planctl inspects and operates installment plans directly against
// the configured database and collateral holder.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"installment-service/config"
	"installment-service/internal/app"
	"installment-service/internal/util"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "planctl",
		Short:         "Operate collateralized installment plans",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(nextDueCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(collectCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, wires the engine and runs fn against it
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		return err
	}
	defer util.SyncLogger()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
