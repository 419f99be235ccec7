package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/pytrms/componist/internal/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

func colorEnabled() bool {
	if noColor {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return hasTTY()
}

func render(style lipgloss.Style, text string) string {
	if !colorEnabled() {
		return text
	}
	return style.Render(text)
}

func styleTitle(text string) string { return render(titleStyle, text) }
func styleMuted(text string) string { return render(mutedStyle, text) }
func styleError(text string) string { return render(errorStyle, text) }

// formatSessionStatus renders a status badge.
func formatSessionStatus(status models.SessionStatus) string {
	label, style := statusDescriptor(status)
	return render(style, label)
}

func statusDescriptor(status models.SessionStatus) (string, lipgloss.Style) {
	switch status {
	case models.SessionStatusRunning:
		return "RUN running", infoStyle
	case models.SessionStatusFinished:
		return "OK finished", successStyle
	case models.SessionStatusCancelled:
		return "WARN cancelled", warningStyle
	case models.SessionStatusFailed:
		return "ERR failed", errorStyle
	default:
		if status == "" {
			return "-", mutedStyle
		}
		return string(status), mutedStyle
	}
}
