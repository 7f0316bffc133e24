// Command ioto-agent boots one device's runtime: layered configuration,
// provisioning, MQTT connectivity, sync, and the optional cloud helpers,
// then serves until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/embedthis/ioto-core/internal/agent"
)

var (
	stateDir     string
	builderURL   string
	productToken string
	reset        bool
)

var rootCmd = &cobra.Command{
	Use:   "ioto-agent",
	Short: "Run the ioto device agent",
	Long: `ioto-agent boots a device's runtime: layered configuration, provisioning,
MQTT connectivity, database sync, and the optional cloud helpers (shadow,
log capture, firmware update, AI log summaries).

Examples:
  ioto-agent --dir /etc/ioto
  ioto-agent --dir /etc/ioto --reset`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "dir", ".", "state directory holding config, device identity, and provisioning material")
	rootCmd.PersistentFlags().StringVar(&builderURL, "builder", "", "cloud builder base URL")
	rootCmd.PersistentFlags().StringVar(&productToken, "product-token", "", "product token presented at register time")
	rootCmd.Flags().BoolVar(&reset, "reset", false, "purge provisioning material and restore a pristine database snapshot before booting")
}

func run(cmd *cobra.Command, args []string) error {
	if reset {
		if err := agent.Reset(stateDir); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	a, err := agent.New(agent.Config{
		Dir:          stateDir,
		BuilderURL:   builderURL,
		ProductToken: productToken,
	})
	if err != nil {
		return fmt.Errorf("initializing agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	return a.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
