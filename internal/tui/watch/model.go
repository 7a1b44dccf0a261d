// Package watch renders a live terminal view of all sessions, polling the
// crucible API.
package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

const pollInterval = 2 * time.Second

type tickMsg time.Time

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	table     table.Model
	theme     Theme
	lastFetch time.Time
	lastError string
}

// New creates a watch model pointed at a running crucible API.
func New(apiURL, apiKey string) *Model {
	columns := []table.Column{
		{Title: "SESSION", Width: 36},
		{Title: "SYSTEM", Width: 20},
		{Title: "VERSION", Width: 10},
		{Title: "STATE", Width: 14},
		{Title: "CREATOR", Width: 14},
		{Title: "AGE", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	return &Model{
		apiURL: apiURL,
		apiKey: apiKey,
		table:  t,
		theme:  NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return fetchSessions(m.apiURL, m.apiKey) },
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, func() tea.Msg { return fetchSessions(m.apiURL, m.apiKey) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if msg.Height > 6 {
			m.table.SetHeight(msg.Height - 6)
		}

	case tickMsg:
		return m, tea.Batch(
			func() tea.Msg { return fetchSessions(m.apiURL, m.apiKey) },
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case sessionsMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
			break
		}
		m.lastError = ""
		m.lastFetch = time.Now()
		m.table.SetRows(m.toRows(msg.rows))
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) toRows(sessions []SessionRow) []table.Row {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.After(sessions[j].Created)
	})
	rows := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, table.Row{
			s.ID,
			s.System,
			s.Version,
			m.theme.StateStyle(s.State).Render(s.State),
			s.Creator,
			formatAge(time.Since(s.Created)),
		})
	}
	return rows
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func (m Model) View() string {
	header := m.theme.Title.Render("crucible sessions") + "  " +
		m.theme.Status.Render(m.apiURL)
	status := m.theme.Status.Render(fmt.Sprintf("last update %s", m.lastFetch.Format("15:04:05")))
	if m.lastError != "" {
		status = m.theme.Error.Render("error: " + m.lastError)
	}
	help := m.theme.Help.Render("q quit · r refresh · ↑/↓ select")
	return header + "\n\n" + m.table.View() + "\n" + status + "\n" + help + "\n"
}
