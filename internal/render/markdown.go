package render

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// Renderer turns markdown into terminal output.
type Renderer interface {
	Render(string) (string, error)
}

// NewMarkdown returns a glamour renderer wrapping at width columns.
func NewMarkdown(width int) (Renderer, error) {
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Plain leaves text untouched. Used when output is not a terminal.
type Plain struct{}

func (Plain) Render(s string) (string, error) { return s, nil }

// ResponseParts splits off a think block and renders both halves. A
// render failure falls back to the raw text.
func ResponseParts(content string, r Renderer) (think, main string, hasThink bool) {
	thinkRaw, mainRaw, hasThink := SplitThink(content)
	if hasThink {
		think = renderOrRaw(r, thinkRaw)
	}
	main = renderOrRaw(r, mainRaw)
	return think, main, hasThink
}

func renderOrRaw(r Renderer, s string) string {
	if r == nil {
		return s
	}
	out, err := r.Render(s)
	if err != nil {
		return s
	}
	return strings.TrimRight(out, "\n")
}
