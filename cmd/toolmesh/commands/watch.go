package commands

import (
	"bytes"
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
)

const watchRefresh = time.Second

type metricsSource interface {
	GetMetrics() []mcp.ServerMetrics
	RunHealthChecks(ctx context.Context) error
}

type (
	startedMsg struct{ err error }
	checkedMsg struct{ err error }
	refreshMsg time.Time
)

type watchModel struct {
	ctx      context.Context
	source   metricsSource
	start    func(ctx context.Context) error
	spinner  spinner.Model
	starting bool
	checking bool
	metrics  []mcp.ServerMetrics
	err      error
	updated  time.Time
}

func newWatchModel(ctx context.Context, source metricsSource, start func(ctx context.Context) error) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#8E4EC6"))
	return watchModel{ctx: ctx, source: source, start: start, spinner: s, starting: true}
}

func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of server status and health",
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a := newApp(ctx, cfg)
	defer a.close()

	m := newWatchModel(ctx, a.manager, func(ctx context.Context) error {
		return a.start(ctx, true)
	})
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func refreshEvery() tea.Cmd {
	return tea.Tick(watchRefresh, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.startCmd(), refreshEvery())
}

func (m watchModel) startCmd() tea.Cmd {
	return func() tea.Msg {
		return startedMsg{err: m.start(m.ctx)}
	}
}

func (m watchModel) checkCmd() tea.Cmd {
	return func() tea.Msg {
		return checkedMsg{err: m.source.RunHealthChecks(m.ctx)}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			if !m.starting && !m.checking {
				m.checking = true
				return m, tea.Batch(m.spinner.Tick, m.checkCmd())
			}
		}
	case startedMsg:
		m.starting = false
		m.err = msg.err
		m.metrics = m.source.GetMetrics()
		m.updated = time.Now()
	case checkedMsg:
		m.checking = false
		m.err = msg.err
		m.metrics = m.source.GetMetrics()
		m.updated = time.Now()
	case refreshMsg:
		if !m.starting {
			m.metrics = m.source.GetMetrics()
			m.updated = time.Time(msg)
		}
		return m, refreshEvery()
	case spinner.TickMsg:
		if !m.starting && !m.checking {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var sb strings.Builder
	switch {
	case m.starting:
		sb.WriteString(fmt.Sprintf("%s Starting servers...\n\n", m.spinner.View()))
	case m.checking:
		sb.WriteString(fmt.Sprintf("%s Running health checks...\n\n", m.spinner.View()))
	}

	var buf bytes.Buffer
	printServerMetrics(&buf, m.metrics)
	sb.WriteString(buf.String())

	if m.err != nil {
		sb.WriteString(lipgloss.NewStyle().Foreground(failColor).Render("Error: "+m.err.Error()) + "\n")
	}
	if !m.updated.IsZero() {
		sb.WriteString(mutedStyle.Render("Updated "+m.updated.Format(time.TimeOnly)) + "\n")
	}

	keyStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA"))
	sb.WriteString("\n" + keyStyle.Render("r") + mutedStyle.Render(" Recheck  ") + keyStyle.Render("q") + mutedStyle.Render(" Quit"))
	return sb.String()
}
