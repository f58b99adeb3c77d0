package console

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Run shows the interactive console until the operator quits or ctx ends.
func Run(ctx context.Context, session *Session, info Info) error {
	program := tea.NewProgram(newModel(ctx, session, info), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner(info.BotName))
	return nil
}

func renderGoodbyeBanner(name string) string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("61")).
		Padding(1, 2)

	return style.Render(fmt.Sprintf("%s console closed", displayOrNA(name)))
}
