package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"astralune/pkg/message"
	"astralune/pkg/plugin"
	"astralune/pkg/router"
	"astralune/pkg/transport"
)

func (h *handlers) reload(ctx context.Context, send transport.Sender, mc *message.Context, call plugin.Call) error {
	registry := h.deps.Registry
	if registry == nil {
		return errors.New("no registry to reload")
	}

	if len(call.Args) > 0 {
		name := strings.ToLower(call.Args[0])
		desc, err := registry.Reload(name)
		if err != nil {
			return fmt.Errorf("reload %s: %w", name, err)
		}
		h.log.Info("Module reloaded by command", "module", desc.Name, "sender", mc.Sender.String())
		return reply(ctx, send, mc, fmt.Sprintf("Reloaded %s (%s).", desc.Name, strings.Join(desc.Commands, ", ")))
	}

	report, err := registry.Refresh()
	if err != nil {
		return err
	}
	h.log.Info("Modules refreshed by command", "loaded", len(report.Loaded), "removed", len(report.Removed), "skipped", len(report.Skipped))

	var b strings.Builder
	fmt.Fprintf(&b, "Reloaded %d, removed %d, unchanged %d.", len(report.Loaded), len(report.Removed), report.Unchanged)
	if len(report.Skipped) > 0 {
		files := make([]string, 0, len(report.Skipped))
		for file := range report.Skipped {
			files = append(files, file)
		}
		sort.Strings(files)
		b.WriteString("\nSkipped:")
		for _, file := range files {
			fmt.Fprintf(&b, "\n• %s: %v", file, report.Skipped[file])
		}
	}
	return reply(ctx, send, mc, b.String())
}

func (h *handlers) restart(ctx context.Context, send transport.Sender, mc *message.Context, _ plugin.Call) error {
	if h.deps.Restarter == nil {
		return errors.New("restarts are not available")
	}

	if err := reply(ctx, send, mc, "Restarting..."); err != nil {
		h.log.Warn("Failed to acknowledge restart", "error", err)
	}
	h.log.Warn("Restart requested by command", "sender", mc.Sender.String())
	h.deps.Restarter.TriggerRestart(RestartDelay)
	return nil
}

func (h *handlers) ai(ctx context.Context, send transport.Sender, mc *message.Context, call plugin.Call) error {
	if h.deps.Assistant == nil {
		return ErrAssistantDisabled
	}

	prompt := router.Command{FullText: call.FullText}.Tail()
	if prompt == "" {
		return fmt.Errorf("usage: %s%s <question>", call.Prefix, call.Command)
	}

	answer, err := h.deps.Assistant.Ask(ctx, prompt)
	if err != nil {
		return err
	}
	h.log.Debug("Assistant answered", "model", answer.Model, "total_tokens", answer.Usage.TotalTokens)
	return reply(ctx, send, mc, answer.Text)
}
