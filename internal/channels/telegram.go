package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/persistence"
)

// TelegramChannel pushes trigger notifications to an operator allowlist and
// accepts a small command set back (/status, /ack, /pause, /resume).
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus
	control    Controller
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, eventBus *bus.Bus, control Controller, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      store,
		logger:     logger.With("component", "telegram"),
		eventBus:   eventBus,
		control:    control,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.notifyLoop(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	command, arg, err := parseCommand(msg.Text)
	if err != nil {
		return
	}

	switch command {
	case "status":
		t.reply(msg.Chat.ID, t.statusText(ctx))
	case "ack":
		if t.control.AckTrig == nil {
			t.reply(msg.Chat.ID, "acknowledge is not available")
			return
		}
		if err := t.control.AckTrig(ctx, arg); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("ack failed: %v", err))
			return
		}
		t.reply(msg.Chat.ID, "acknowledged "+arg)
	case "pause":
		if t.control.Pause == nil {
			t.reply(msg.Chat.ID, "pause is not available")
			return
		}
		if err := t.control.Pause(ctx, arg); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("pause failed: %v", err))
			return
		}
		t.reply(msg.Chat.ID, "paused "+arg)
	case "resume":
		if t.control.Resume == nil {
			t.reply(msg.Chat.ID, "resume is not available")
			return
		}
		if err := t.control.Resume(ctx, arg); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("resume failed: %v", err))
			return
		}
		t.reply(msg.Chat.ID, "resumed "+arg)
	default:
		t.reply(msg.Chat.ID, "commands: /status, /ack <trigger_id>, /pause <project_id>, /resume <project_id>")
	}
}

func (t *TelegramChannel) statusText(ctx context.Context) string {
	projects, err := t.store.ListActiveProjects(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	workers, err := t.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	idle := 0
	for _, w := range workers {
		if w.Availability == persistence.WorkerIdle {
			idle++
		}
	}
	return fmt.Sprintf("%d active projects, %d workers (%d idle)", len(projects), len(workers), idle)
}

// notifyLoop pushes trigger notices to every allowed chat. Escalations always
// go out; first raises only when the rule marked them notifiable, which the
// engine already folded into the notice.
func (t *TelegramChannel) notifyLoop(ctx context.Context) {
	sub := t.eventBus.Subscribe("trigger.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			notice, ok := ev.Payload.(bus.TriggerEventNotice)
			if !ok {
				continue
			}
			text := formatTriggerNotice(ev.Topic, notice)
			if text == "" {
				continue
			}
			for chatID := range t.allowedIDs {
				t.replyMarkdown(chatID, text)
			}
		}
	}
}

// formatTriggerNotice renders one trigger notice as MarkdownV2, or returns ""
// for topics that need no operator push.
func formatTriggerNotice(topic string, notice bus.TriggerEventNotice) string {
	switch topic {
	case bus.TopicTriggerRaised:
		return fmt.Sprintf("%s *attention needed* \\(%s\\)\nproject `%s`\noccurrences: %d\nack: `/ack %s`",
			severityEmoji(notice.Severity),
			escapeMarkdownV2(notice.Severity),
			escapeMarkdownV2(notice.ProjectID),
			notice.Occurrences,
			escapeMarkdownV2(notice.TriggerEventID))
	case bus.TopicTriggerEscalated:
		return fmt.Sprintf("%s *escalated to %s*\nproject `%s`\noccurrences: %d\nack: `/ack %s`",
			severityEmoji(notice.Severity),
			escapeMarkdownV2(notice.Severity),
			escapeMarkdownV2(notice.ProjectID),
			notice.Occurrences,
			escapeMarkdownV2(notice.TriggerEventID))
	default:
		return ""
	}
}

func severityEmoji(severity string) string {
	switch severity {
	case "high", "critical":
		return "\U0001F6A8"
	case "medium":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// replyMarkdown sends a markdown-formatted message.
func (t *TelegramChannel) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram markdown reply", "error", err)
	}
}

// parseCommand splits an operator message into command and argument.
// Format: /<command> [arg]
func parseCommand(input string) (command, arg string, err error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", "", fmt.Errorf("not a command")
	}
	parts := strings.SplitN(strings.TrimPrefix(input, "/"), " ", 2)
	command = strings.TrimSpace(parts[0])
	if command == "" {
		return "", "", fmt.Errorf("command required")
	}
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	switch command {
	case "ack", "pause", "resume":
		if arg == "" {
			return "", "", fmt.Errorf("%s requires an argument", command)
		}
	}
	return command, arg, nil
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
