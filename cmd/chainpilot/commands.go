package main

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
)

func newServeCommand() *cobra.Command {
	var withoutWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the async job processor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := buildApplication(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer app.Close()

			server, err := app.server()
			if err != nil {
				return err
			}
			p := pool.New().WithContext(ctx).WithCancelOnError()
			p.Go(server.Start)
			if !withoutWorkers {
				p.Go(app.processor.Start)
			}
			return ignoreShutdown(p.Wait())
		},
	}
	cmd.Flags().BoolVar(&withoutWorkers, "no-workers", false, "accept jobs but leave processing to separate worker processes")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume async chat jobs without serving HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := buildApplication(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer app.Close()
			return ignoreShutdown(app.processor.Start(cmd.Context()))
		},
	}
}

func newChatCommand() *cobra.Command {
	var (
		caller         string
		conversationID string
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a single message to the agent and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := buildApplication(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.chat.ProcessMessage(cmd.Context(), agent.Request{
				Input:          strings.Join(args, " "),
				CallerAddress:  caller,
				ConversationID: conversationID,
				Metadata:       map[string]string{agent.MetaChannel: agent.ChannelCLI},
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintln(out, result.Response)
			fmt.Fprintf(out, "\n[intent=%s confidence=%.2f conversation=%s]\n",
				result.Intent.Type, result.Intent.Confidence, result.ConversationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "wallet address of the caller")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

// ignoreShutdown 将信号触发的退出视为正常结束。
func ignoreShutdown(err error) error {
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return nil
	}
	if xerrors.CodeOf(err) == xerrors.CodeUnknown {
		return fmt.Errorf("chainpilot: %w", err)
	}
	return err
}
