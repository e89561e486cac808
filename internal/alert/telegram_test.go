package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/toolmesh/internal/mcp"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	failHTML bool
	done     chan struct{}
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.failHTML && msg.ParseMode == "HTML" {
		return tgbotapi.Message{}, errors.New("bad entity")
	}
	if f.done != nil {
		f.done <- struct{}{}
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func waitSent(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert")
	}
}

func TestShouldAlert(t *testing.T) {
	cases := []struct {
		from, to mcp.ServerStatus
		want     bool
	}{
		{mcp.StatusReady, mcp.StatusDegraded, true},
		{mcp.StatusConnecting, mcp.StatusFailed, true},
		{mcp.StatusDegraded, mcp.StatusReady, true},
		{mcp.StatusConnecting, mcp.StatusReady, false},
		{mcp.StatusReady, mcp.StatusClosed, false},
		{mcp.StatusPending, mcp.StatusConnecting, false},
	}
	for _, tc := range cases {
		if got := shouldAlert(mcp.StatusChange{From: tc.from, To: tc.to}); got != tc.want {
			t.Fatalf("shouldAlert(%s->%s)=%v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNotifier_SendsDegradedAlert(t *testing.T) {
	sender := &fakeSender{done: make(chan struct{}, 4)}
	n := New(42, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Handle(mcp.StatusChange{ServerID: "fs", From: mcp.StatusConnecting, To: mcp.StatusReady})
	n.Handle(mcp.StatusChange{ServerID: "fs", From: mcp.StatusReady, To: mcp.StatusDegraded, Error: "probe <timeout>"})
	waitSent(t, sender.done)

	sent := sender.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one alert, got %d", len(sent))
	}
	msg := sent[0]
	if msg.ChatID != 42 || msg.ParseMode != "HTML" {
		t.Fatalf("unexpected message config %+v", msg)
	}
	if !strings.Contains(msg.Text, "<b>fs</b> degraded") || !strings.Contains(msg.Text, "probe &lt;timeout&gt;") {
		t.Fatalf("unexpected alert text %q", msg.Text)
	}
}

func TestNotifier_FallsBackToPlainText(t *testing.T) {
	sender := &fakeSender{failHTML: true, done: make(chan struct{}, 4)}
	n := New(7, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Handle(mcp.StatusChange{ServerID: "web", From: mcp.StatusDegraded, To: mcp.StatusReady})
	waitSent(t, sender.done)

	sent := sender.messages()
	if len(sent) != 2 || sent[1].ParseMode != "" {
		t.Fatalf("expected HTML attempt then plain retry, got %+v", sent)
	}
	if sent[1].Text != "web recovered (degraded -> ready)" {
		t.Fatalf("unexpected plain text %q", sent[1].Text)
	}
}

func TestNotifier_DropsWhenQueueFull(t *testing.T) {
	n := New(1, &fakeSender{})
	for i := 0; i < queueSize+3; i++ {
		n.Handle(mcp.StatusChange{ServerID: "fs", From: mcp.StatusReady, To: mcp.StatusDegraded})
	}
	if n.Dropped() != 3 {
		t.Fatalf("expected 3 dropped alerts, got %d", n.Dropped())
	}
}

func TestParseInt64(t *testing.T) {
	if got, err := parseInt64(" -100123 "); err != nil || got != -100123 {
		t.Fatalf("parseInt64 = %d, %v", got, err)
	}
	if _, err := parseInt64("chat"); err == nil {
		t.Fatal("expected error for invalid chat id")
	}
}
