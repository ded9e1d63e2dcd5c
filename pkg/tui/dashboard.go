// Package tui provides terminal UI components for toolgate using Bubble
// Tea. Currently includes a registry dashboard with live server status
// and recent pipeline executions.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/toolgate/toolgate/pkg/registry"
)

// ------------------------------------------------------------------
// Styles
// ------------------------------------------------------------------

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE")).
			PaddingLeft(1).
			PaddingRight(1)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF88"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444"))

	deniedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB347"))

	discoveringStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#87CEEB"))

	inactiveStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999"))

	cellStyle = lipgloss.NewStyle().
			PaddingLeft(1).
			PaddingRight(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#555555")).
			Padding(0, 1)

	summaryActive = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FF88"))

	summaryError = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF4444"))
)

// ------------------------------------------------------------------
// Messages
// ------------------------------------------------------------------

type tickMsg time.Time

type catalogMsg struct {
	servers []*registry.ServerRecord
	counts  map[string]int
	tools   int
}

type executionsMsg []*registry.ExecutionRecord

// ------------------------------------------------------------------
// Model
// ------------------------------------------------------------------

// Dashboard is the Bubble Tea model for the registry status TUI.
type Dashboard struct {
	store      registry.Store
	servers    []*registry.ServerRecord
	counts     map[string]int
	tools      int
	executions []*registry.ExecutionRecord
	width      int
	height     int
	quitting   bool
}

// NewDashboard creates a new registry dashboard TUI model.
func NewDashboard(store registry.Store) Dashboard {
	return Dashboard{
		store:  store,
		width:  80,
		height: 24,
	}
}

func (m Dashboard) Init() tea.Cmd {
	return tea.Batch(
		m.fetchCatalog,
		m.fetchExecutions,
		tickCmd(),
	)
}

func (m Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			// Manual refresh
			return m, tea.Batch(m.fetchCatalog, m.fetchExecutions)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchCatalog, m.fetchExecutions, tickCmd())

	case catalogMsg:
		m.servers = msg.servers
		m.counts = msg.counts
		m.tools = msg.tools
		return m, nil

	case executionsMsg:
		m.executions = []*registry.ExecutionRecord(msg)
		return m, nil
	}

	return m, nil
}

func (m Dashboard) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render("⛩ Toolgate Dashboard"))
	b.WriteString("\n")

	// Summary bar
	var active, inactive, discovering, errored int
	for _, s := range m.servers {
		switch s.Status {
		case registry.ServerStatusActive:
			active++
		case registry.ServerStatusDiscovering:
			discovering++
		case registry.ServerStatusError:
			errored++
		default:
			inactive++
		}
	}
	summaryLine := fmt.Sprintf(
		"%s  %s  %s  %s",
		summaryActive.Render(fmt.Sprintf("● %d active", active)),
		inactiveStyle.Render(fmt.Sprintf("○ %d inactive", inactive)),
		discoveringStyle.Render(fmt.Sprintf("◐ %d discovering", discovering)),
		summaryError.Render(fmt.Sprintf("✗ %d error", errored)),
	)
	b.WriteString(boxStyle.Render(fmt.Sprintf("Servers: %d  │  %s  │  Tools: %d",
		len(m.servers), summaryLine, m.tools)))
	b.WriteString("\n\n")

	// Server table
	if len(m.servers) == 0 {
		b.WriteString(footerStyle.Render("  No servers registered. Add them to the manifest and run 'toolgate discover'."))
		b.WriteString("\n")
	} else {
		header := fmt.Sprintf("%-18s %-12s %-16s %-8s %s",
			headerStyle.Render("SERVER"),
			headerStyle.Render("TRANSPORT"),
			headerStyle.Render("STATUS"),
			headerStyle.Render("TOOLS"),
			headerStyle.Render("UPDATED"),
		)
		b.WriteString(header)
		b.WriteString("\n")
		b.WriteString(strings.Repeat("─", clampInt(m.width, 80)))
		b.WriteString("\n")

		for _, s := range m.servers {
			row := fmt.Sprintf("%-18s %-12s %-16s %-8s %s",
				cellStyle.Render(s.ID),
				cellStyle.Render(s.Transport),
				renderServerStatus(s.Status),
				cellStyle.Render(fmt.Sprintf("%d", m.counts[s.ID])),
				cellStyle.Render(renderAge(s.UpdatedAt)),
			)
			b.WriteString(row)
			b.WriteString("\n")
		}
	}

	// Recent executions
	if len(m.executions) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("RECENT EXECUTIONS"))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("─", clampInt(m.width, 80)))
		b.WriteString("\n")
		for _, e := range m.executions {
			row := fmt.Sprintf("%-10s %-14s %-22s %-22s %s",
				cellStyle.Render(e.StartedAt.Format("15:04:05")),
				renderExecStatus(e.Status),
				cellStyle.Render(shortCell(e.Intent, 20)),
				cellStyle.Render(shortCell(e.ToolName, 20)),
				cellStyle.Render(fmt.Sprintf("%dms", e.DurationMS)),
			)
			b.WriteString(row)
			b.WriteString("\n")
		}
	}

	// Footer
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("  [r] refresh  [q] quit  │  Updated: %s",
		time.Now().Format("15:04:05"))))

	return b.String()
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

func renderServerStatus(status registry.ServerStatus) string {
	switch status {
	case registry.ServerStatusActive:
		return activeStyle.Render("● active")
	case registry.ServerStatusInactive:
		return inactiveStyle.Render("○ inactive")
	case registry.ServerStatusDiscovering:
		return discoveringStyle.Render("◐ discovering")
	case registry.ServerStatusError:
		return errorStyle.Render("✗ error")
	default:
		return cellStyle.Render("? " + string(status))
	}
}

func renderExecStatus(status registry.ExecutionStatus) string {
	switch status {
	case registry.ExecutionSuccess:
		return activeStyle.Render("✓ success")
	case registry.ExecutionDenied:
		return deniedStyle.Render("⚠ denied")
	case registry.ExecutionFailed:
		return errorStyle.Render("✗ failed")
	default:
		return cellStyle.Render(string(status))
	}
}

func renderAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	if d < time.Second {
		return "just now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func shortCell(s string, maxLen int) string {
	if s == "" {
		return "-"
	}
	if len(s) > maxLen {
		return s[:maxLen-1] + "…"
	}
	return s
}

func tickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Dashboard) fetchCatalog() tea.Msg {
	ctx := context.Background()
	servers, err := m.store.ListServers(ctx, false)
	if err != nil {
		return catalogMsg{}
	}
	tools, err := m.store.ListTools(ctx, registry.ToolFilter{})
	if err != nil {
		return catalogMsg{servers: servers}
	}
	counts := make(map[string]int)
	for _, t := range tools {
		counts[t.ServerID]++
	}
	return catalogMsg{servers: servers, counts: counts, tools: len(tools)}
}

func (m Dashboard) fetchExecutions() tea.Msg {
	execs, err := m.store.ListExecutions(context.Background(), registry.ListExecutionsOptions{Limit: 8})
	if err != nil {
		return executionsMsg(nil)
	}
	return executionsMsg(execs)
}

func clampInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RunDashboard starts the Bubble Tea registry dashboard.
func RunDashboard(store registry.Store) error {
	model := NewDashboard(store)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
