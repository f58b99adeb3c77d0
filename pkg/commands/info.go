package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"astralune/pkg/identity"
	"astralune/pkg/message"
	"astralune/pkg/plugin"
	"astralune/pkg/transport"
)

func (h *handlers) menu(ctx context.Context, send transport.Sender, mc *message.Context, call plugin.Call) error {
	registry := h.deps.Registry
	if registry == nil {
		return reply(ctx, send, mc, "No commands are registered.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s menu*\n\n", h.deps.BotName)
	fmt.Fprintf(&b, "*User:* %s\n", identity.Display(mc.Sender, identity.DisplayOptions{HideServer: true}))
	fmt.Fprintf(&b, "*Prefix:* %s\n", call.Prefix)

	total := 0
	for _, tag := range registry.Tags() {
		fmt.Fprintf(&b, "\n*%s*\n", strings.ToUpper(tag))
		for _, desc := range registry.List(tag) {
			total++
			fmt.Fprintf(&b, "• *%s%s*", call.Prefix, desc.Primary())
			if len(desc.Aliases) > 0 {
				aliases := make([]string, len(desc.Aliases))
				for i, alias := range desc.Aliases {
					aliases[i] = call.Prefix + alias
				}
				fmt.Fprintf(&b, " (aliases: %s)", strings.Join(aliases, ", "))
			}
			if desc.OwnerOnly {
				b.WriteString(" [owner]")
			}
			b.WriteString("\n")
			if desc.Description != "" {
				fmt.Fprintf(&b, "  _%s_\n", desc.Description)
			}
		}
	}
	fmt.Fprintf(&b, "\nTotal commands: %d", total)

	return reply(ctx, send, mc, b.String())
}

func (h *handlers) ping(ctx context.Context, send transport.Sender, mc *message.Context, _ plugin.Call) error {
	now := h.deps.Clock.Now()
	text := "Pong!"
	if !mc.Timestamp.IsZero() {
		latency := max(now.Sub(mc.Timestamp), 0)
		text = fmt.Sprintf("Pong!\nLatency: %dms", latency.Milliseconds())
	}
	return reply(ctx, send, mc, text)
}

func (h *handlers) stats(ctx context.Context, send transport.Sender, mc *message.Context, _ plugin.Call) error {
	var b strings.Builder
	b.WriteString("*Bot statistics*\n\n")
	fmt.Fprintf(&b, "*Uptime:* %s\n", formatDuration(h.deps.Clock.Now().Sub(h.deps.StartedAt)))

	if h.deps.Stats != nil {
		snapshot, err := h.deps.Stats.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("read counters: %w", err)
		}
		fmt.Fprintf(&b, "*Total messages:* %d\n", snapshot.TotalMessages)
		fmt.Fprintf(&b, "*Messages today:* %d\n", snapshot.MessagesToday)
		fmt.Fprintf(&b, "*Commands executed:* %d\n", snapshot.CommandsExecuted)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(&b, "*Heap in use:* %s\n", formatSize(mem.HeapInuse))
	fmt.Fprintf(&b, "*Memory from OS:* %s\n", formatSize(mem.Sys))
	fmt.Fprintf(&b, "*Started:* %s", h.deps.StartedAt.Format("02/01/2006 15:04:05"))

	if h.deps.Store != nil {
		top, err := h.deps.Store.TopCommands(ctx, 5)
		if err != nil {
			h.log.Warn("Failed to read command usage", "error", err)
		} else if len(top) > 0 {
			b.WriteString("\n\n*Most used*\n")
			for _, usage := range top {
				fmt.Fprintf(&b, "• %s: %d\n", usage.Command, usage.Count)
			}
		}
	}

	return reply(ctx, send, mc, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) server(ctx context.Context, send transport.Sender, mc *message.Context, _ plugin.Call) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	b.WriteString("*Server information*\n\n")
	fmt.Fprintf(&b, "*Hostname:* %s\n", hostname)
	fmt.Fprintf(&b, "*Platform:* %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "*CPU cores:* %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "*Go version:* %s\n", runtime.Version())
	fmt.Fprintf(&b, "*Goroutines:* %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "*Memory from OS:* %s\n", formatSize(mem.Sys))
	fmt.Fprintf(&b, "*GC cycles:* %d\n", mem.NumGC)
	fmt.Fprintf(&b, "*Bot uptime:* %s", formatDuration(h.deps.Clock.Now().Sub(h.deps.StartedAt)))

	return reply(ctx, send, mc, b.String())
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
