package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
)

// main 是 ChainPilot 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "chainpilot",
		Short: "Conversational assistant for on-chain operations",
		Long: `ChainPilot turns natural-language requests into blockchain reads and
unsigned transaction intents. It serves an HTTP API, runs async chat jobs
and answers one-shot questions from the terminal.`,
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("CHAINPILOT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = filepath.Join("configs", "chainpilot.yaml")
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the YAML or JSON config file")

	root.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newChatCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "chainpilot version %s\n", version)
			},
		},
	)
	return root
}
