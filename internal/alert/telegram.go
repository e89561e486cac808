package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
)

const queueSize = 64

// Sender delivers one Telegram message. *tgbotapi.BotAPI implements it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier forwards server status transitions to a Telegram chat. Handle
// never blocks; alerts are dropped when the queue is full.
type Notifier struct {
	chatID int64
	sender Sender
	queue  chan mcp.StatusChange

	mu      sync.Mutex
	dropped int
}

// NewTelegram connects the bot configured in cfg.
func NewTelegram(cfg config.TelegramAlertConfig) (*Notifier, error) {
	chatID, err := parseInt64(cfg.ChatID)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", cfg.ChatID, err)
	}
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	slog.Info("telegram alerts connected", "username", bot.Self.UserName)
	return New(chatID, bot), nil
}

// New creates a notifier sending through sender.
func New(chatID int64, sender Sender) *Notifier {
	return &Notifier{
		chatID: chatID,
		sender: sender,
		queue:  make(chan mcp.StatusChange, queueSize),
	}
}

// Handle queues change when it is worth an alert. Pass it to
// Manager.OnStatusChange.
func (n *Notifier) Handle(change mcp.StatusChange) {
	if !shouldAlert(change) {
		return
	}
	select {
	case n.queue <- change:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		slog.Warn("alert queue full, dropping status change", "server_id", change.ServerID, "status", change.To)
	}
}

// Dropped reports how many alerts were discarded.
func (n *Notifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-n.queue:
			if err := n.send(change); err != nil {
				slog.Warn("send telegram alert failed", "server_id", change.ServerID, "error", err)
			}
		}
	}
}

func (n *Notifier) send(change mcp.StatusChange) error {
	msg := tgbotapi.NewMessage(n.chatID, formatHTML(change))
	msg.ParseMode = "HTML"
	if _, err := n.sender.Send(msg); err != nil {
		msg.ParseMode = ""
		msg.Text = formatPlain(change)
		_, err = n.sender.Send(msg)
		return err
	}
	return nil
}

func shouldAlert(change mcp.StatusChange) bool {
	switch change.To {
	case mcp.StatusDegraded, mcp.StatusFailed:
		return true
	case mcp.StatusReady:
		return change.From == mcp.StatusDegraded || change.From == mcp.StatusFailed
	}
	return false
}

func headline(change mcp.StatusChange) string {
	if change.To == mcp.StatusReady {
		return "recovered"
	}
	return string(change.To)
}

func formatHTML(change mcp.StatusChange) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>%s</b> %s", escapeHTML(change.ServerID), escapeHTML(headline(change)))
	fmt.Fprintf(&sb, "\n%s → %s", change.From, change.To)
	if change.Error != "" {
		fmt.Fprintf(&sb, "\n<code>%s</code>", escapeHTML(change.Error))
	}
	if !change.At.IsZero() {
		fmt.Fprintf(&sb, "\n%s", change.At.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return sb.String()
}

func formatPlain(change mcp.StatusChange) string {
	text := fmt.Sprintf("%s %s (%s -> %s)", change.ServerID, headline(change), change.From, change.To)
	if change.Error != "" {
		text += ": " + change.Error
	}
	return text
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	return strings.ReplaceAll(text, ">", "&gt;")
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
