package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the lipgloss styles of the watch screen.
type Theme struct {
	Title    lipgloss.Style
	Status   lipgloss.Style
	Error    lipgloss.Style
	Help     lipgloss.Style
	Building lipgloss.Style
	Failed   lipgloss.Style
	Done     lipgloss.Style
}

// NewDefaultTheme returns the standard color scheme.
func NewDefaultTheme() Theme {
	return Theme{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		Status:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Help:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Building: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Done:     lipgloss.NewStyle().Foreground(lipgloss.Color("40")),
	}
}

// StateStyle picks the style for a session state string.
func (t Theme) StateStyle(state string) lipgloss.Style {
	switch state {
	case "building", "running":
		return t.Building
	case "failed build", "failed run":
		return t.Failed
	case "built", "ran":
		return t.Done
	}
	return t.Status
}
