package console

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type tickMsg time.Time
type refreshMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	stationName string
	provider    Provider
	snap        Snapshot
	width       int
}

func newModel(stationName string, provider Provider) model {
	return model{
		stationName: stationName,
		provider:    provider,
		snap:        provider(),
		width:       80,
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.snap = m.provider()
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	case refreshMsg:
		m.snap = m.provider()
		return m, nil
	}
	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	panelStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	badSty     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func modeBadge(mode string) string {
	var color lipgloss.Color
	switch mode {
	case "autonomous":
		color = "42"
	case "supervised":
		color = "214"
	default:
		color = "196"
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("232")).
		Background(color).
		Padding(0, 1).
		Render(strings.ToUpper(mode))
}

func (m model) View() string {
	var out strings.Builder

	header := headerStyle.Render(m.stationName) + "  " + modeBadge(m.snap.Mode) +
		dimStyle.Render(fmt.Sprintf("  gates %s  up %s", m.snap.GateVersion, m.snap.Uptime.Truncate(time.Second)))
	out.WriteString(header + "\n\n")

	out.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.tesPanel(), m.queuePanel()) + "\n")
	out.WriteString(m.heartbeatPanel() + "\n")
	out.WriteString(m.leasePanel() + "\n")

	if m.snap.Err != "" {
		out.WriteString(badSty.Render("! "+m.snap.Err) + "\n")
	}
	out.WriteString(dimStyle.Render("q quit · r refresh"))
	return out.String()
}

func (m model) tesPanel() string {
	w := m.snap.Window
	body := titleStyle.Render("TES") + "\n"
	if w.Count == 0 {
		body += dimStyle.Render("no cycles scored yet")
	} else {
		body += fmt.Sprintf("mean %.2f  min %.2f  max %.2f\n", w.Mean, w.Min, w.Max)
		body += fmt.Sprintf("stability %.2f  velocity %d/h\n", m.snap.Stability, m.snap.Velocity)
		body += dimStyle.Render(fmt.Sprintf("%d of %d cycles, %s", w.Count, w.Window, w.Mode))
	}
	return panelStyle.Render(body)
}

func (m model) queuePanel() string {
	body := titleStyle.Render("Station") + "\n"
	body += fmt.Sprintf("queue depth %d\n", m.snap.QueueDepth)
	body += fmt.Sprintf("svf backlog %d\n", m.snap.SVFBacklog)
	body += fmt.Sprintf("active leases %d", len(m.snap.Leases))
	return panelStyle.Render(body)
}

func (m model) heartbeatPanel() string {
	body := titleStyle.Render("Heartbeat") + "\n"
	if len(m.snap.Recent) == 0 {
		body += dimStyle.Render("empty ledger")
	} else {
		for _, row := range m.snap.Recent {
			line := fmt.Sprintf("%s  %.1f  %-6s  %5.1fs",
				row.Timestamp.Format("15:04:05"), row.TES, row.Status, row.DurationS)
			if row.Status != "ok" {
				line = badSty.Render(line)
			}
			body += line + "\n"
		}
		body = strings.TrimRight(body, "\n")
	}
	return panelStyle.Render(body)
}

func (m model) leasePanel() string {
	body := titleStyle.Render("Active Leases") + "\n"
	if len(m.snap.Leases) == 0 {
		body += dimStyle.Render("none held")
	} else {
		for _, l := range m.snap.Leases {
			remaining := time.Until(l.ExpiresAt).Truncate(time.Second)
			body += fmt.Sprintf("%s  %s  %s  expires in %s\n", shortID(l.ID), l.Executor, l.ExecMode, remaining)
		}
		body = strings.TrimRight(body, "\n")
	}
	return panelStyle.Render(body)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
