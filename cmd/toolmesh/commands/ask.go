package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/toolmesh/internal/agent"
	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/render"
)

var (
	thinkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8E4EC6"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5A50A")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type askOptions struct {
	stream    bool
	maxSteps  int
	timeout   int
	servers   []string
	sessionID string
}

func (o askOptions) runOptions() agent.RunOptions {
	return agent.RunOptions{
		MaxSteps:  o.maxSteps,
		Timeout:   o.timeout,
		Servers:   o.servers,
		SessionID: o.sessionID,
	}
}

func NewAskCmd() *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Answer a query using the configured tool servers",
		Long:  "Answer one query, or start an interactive session when no query is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Stream the answer as it is produced")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "Maximum reasoning steps (default from config)")
	cmd.Flags().IntVar(&opts.timeout, "timeout", 0, "Query timeout in milliseconds (default from config)")
	cmd.Flags().StringSliceVar(&opts.servers, "server", nil, "Restrict tools to these server ids")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Conversation id for follow-up questions")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string, opts askOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := opts.runOptions().WithDefaults(cfg.Agent).Validate(); err != nil {
		return err
	}

	a := newApp(ctx, cfg)
	defer a.close()
	if err := a.start(ctx, false); err != nil {
		return fmt.Errorf("failed to start server manager: %w", err)
	}

	renderer, err := render.NewMarkdown(100)
	if err != nil {
		renderer = render.Plain{}
	}
	out := cmd.OutOrStdout()

	if len(args) > 0 {
		return askOnce(ctx, out, a.loop, strings.Join(args, " "), opts, renderer)
	}

	if opts.sessionID == "" {
		opts.sessionID = "cli"
	}
	fmt.Fprintln(out, "ToolMesh ready. Type 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "exit" || input == "quit" {
			break
		}
		if input == "" {
			continue
		}
		if err := askOnce(ctx, out, a.loop, input, opts, renderer); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil
}

func askOnce(ctx context.Context, out io.Writer, runner queryRunner, query string, opts askOptions, renderer render.Renderer) error {
	if !opts.stream {
		result, err := runner.Run(ctx, query, opts.runOptions())
		if err != nil {
			return err
		}
		printResult(out, result, renderer)
		return nil
	}

	events, err := runner.RunStream(ctx, query, opts.runOptions())
	if err != nil {
		return err
	}
	for ev := range events {
		printEvent(out, ev)
	}
	return nil
}

type queryRunner interface {
	Run(ctx context.Context, query string, opts agent.RunOptions) (agent.Result, error)
	RunStream(ctx context.Context, query string, opts agent.RunOptions) (<-chan agent.Event, error)
}

func printResult(out io.Writer, result agent.Result, renderer render.Renderer) {
	think, main, hasThink := render.ResponseParts(result.Response, renderer)
	if hasThink && think != "" {
		fmt.Fprintln(out, thinkStyle.Render(think))
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, main)

	for _, call := range result.ToolCalls {
		fmt.Fprintln(out, toolStyle.Render(describeToolCall(call)))
	}
	for _, warning := range result.Warnings {
		fmt.Fprintln(out, warningStyle.Render("warning: "+warning))
	}
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d steps in %s", result.Steps, result.ExecutionTime.Round(time.Millisecond))))
}

func printEvent(out io.Writer, ev agent.Event) {
	switch ev.Type {
	case agent.EventText:
		fmt.Fprint(out, ev.Text)
	case agent.EventTool:
		if ev.Tool != nil {
			fmt.Fprintln(out)
			fmt.Fprintln(out, toolStyle.Render(describeToolCall(*ev.Tool)))
		}
	case agent.EventWarning:
		fmt.Fprintln(out)
		fmt.Fprintln(out, warningStyle.Render("warning: "+ev.Text))
	case agent.EventDone:
		fmt.Fprintln(out)
		if ev.Result != nil {
			fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d steps in %s", ev.Result.Steps, ev.Result.ExecutionTime.Round(time.Millisecond))))
		}
	}
}

func describeToolCall(call agent.ToolCall) string {
	line := "→ " + call.Tool
	if call.ServerID != "" {
		line += " @" + call.ServerID
	}
	if call.Retried {
		line += " (retried)"
	}
	if call.Error != "" {
		line += " failed: " + call.Error
	}
	return line
}
