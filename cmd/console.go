package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"astralune/pkg/bus"
	"astralune/pkg/clock"
	"astralune/pkg/console"

	"github.com/spf13/cobra"
)

var (
	consoleAsMember bool
	consoleOnce     string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Try commands locally without connecting a transport",
	Long:  "Runs the dispatch pipeline against a local console account. Lines are sent as the bot's own account unless --member is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The terminal belongs to the console UI.
		log := slog.New(slog.DiscardHandler)
		clk := clock.Real()
		rt, err := buildRuntime(ctx, cfg, log, runtimeOptions{Clock: clk})
		if err != nil {
			return err
		}
		defer rt.Close()

		session := console.NewSession(rt.pipeline, console.NewClient("", ""), clk, !consoleAsMember)
		if strings.TrimSpace(consoleOnce) != "" {
			return sendConsoleLine(ctx, session, consoleOnce, cmd.OutOrStdout())
		}

		prefix := "."
		if len(cfg.Bot.Prefixes) > 0 {
			prefix = cfg.Bot.Prefixes[0]
		}
		return console.Run(ctx, session, console.Info{
			BotName:  cfg.Bot.Name,
			Prefix:   prefix,
			Commands: len(rt.registry.List("")),
			Owner:    !consoleAsMember,
		})
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().BoolVar(&consoleAsMember, "member", false, "send lines as a regular member instead of the owner")
	consoleCmd.Flags().StringVarP(&consoleOnce, "exec", "e", "", "dispatch one line, print the replies and exit")
}

// sendConsoleLine prints replies one per block, then the outcome.
func sendConsoleLine(ctx context.Context, session *console.Session, line string, out io.Writer) error {
	exchange := session.Send(ctx, line)
	for _, reply := range exchange.Replies {
		fmt.Fprintln(out, reply.Text)
		fmt.Fprintln(out)
	}

	switch exchange.Outcome {
	case bus.EventFaulted, bus.EventErrorNoticeSent:
		return fmt.Errorf("%s failed: %s", exchange.Plugin, exchange.Err)
	case bus.EventUnresolved:
		fmt.Fprintln(out, hintStyle.Render(fmt.Sprintf("no module handles %q", exchange.Command)))
	case bus.EventNotACommand:
		fmt.Fprintln(out, hintStyle.Render("not a command"))
	}
	return nil
}
