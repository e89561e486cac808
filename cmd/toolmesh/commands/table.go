package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/MEKXH/toolmesh/internal/health"
	"github.com/MEKXH/toolmesh/internal/mcp"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8E4EC6")).
			Padding(0, 1).
			MarginBottom(1)

	colHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8E4EC6")).
			Bold(true).
			MarginRight(1)

	cellStyle = lipgloss.NewStyle().MarginRight(1)
	sepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)

	okColor      = lipgloss.Color("#2E8B57")
	warnColor    = lipgloss.Color("#E5A50A")
	failColor    = lipgloss.Color("#D0404A")
	disabledGray = lipgloss.Color("241")
)

type column struct {
	title string
	width int
}

// table renders fixed width rows. color, when set, picks the foreground of
// one cell; an empty result keeps the default.
type table struct {
	title   string
	columns []column
	rows    [][]string
	color   func(row, col int) lipgloss.Color
}

func (t table) render() string {
	var sb strings.Builder
	if t.title != "" {
		sb.WriteString(headerStyle.Render(t.title))
		sb.WriteString("\n")
	}

	headers := make([]string, len(t.columns))
	seps := make([]string, len(t.columns))
	for i, c := range t.columns {
		headers[i] = colHeaderStyle.Width(c.width).Render(c.title)
		seps[i] = sepStyle.Render(strings.Repeat("─", c.width))
	}
	sb.WriteString("  " + lipgloss.JoinHorizontal(lipgloss.Top, headers...) + "\n")
	sb.WriteString("  " + lipgloss.JoinHorizontal(lipgloss.Top, seps...) + "\n")

	for r, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, c := range t.columns {
			value := ""
			if i < len(row) {
				value = row[i]
			}
			style := cellStyle.Width(c.width)
			if t.color != nil {
				if color := t.color(r, i); color != "" {
					style = style.Foreground(color)
				}
			}
			cells[i] = style.Render(truncate(value, c.width))
		}
		sb.WriteString("  " + lipgloss.JoinHorizontal(lipgloss.Top, cells...) + "\n")
	}
	return sb.String()
}

func (t table) print(out io.Writer) {
	fmt.Fprintln(out, t.render())
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 1 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

func statusColor(status mcp.ServerStatus) lipgloss.Color {
	switch status {
	case mcp.StatusReady:
		return okColor
	case mcp.StatusConnecting, mcp.StatusPending, mcp.StatusDegraded:
		return warnColor
	case mcp.StatusFailed:
		return failColor
	default:
		return disabledGray
	}
}

func healthColor(state string) lipgloss.Color {
	switch health.State(state) {
	case health.StateHealthy:
		return okColor
	case health.StateUnhealthy:
		return failColor
	case health.StateUnknown:
		return warnColor
	}
	return disabledGray
}
