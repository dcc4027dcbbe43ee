package delivery

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Telegram message bodies are capped well below Telegram's 4096-char limit
// so a noisy handler result stays readable as a notification.
const telegramBodyLimit = 3500

const defaultTelegramTemplate = "[$task_name] $result"

// TelegramConfig configures the telegram delivery adapter.
type TelegramConfig struct {
	Token string
	// DefaultChatID is used when a task's delivery_config has no chat_id.
	DefaultChatID int64
	// Offline skips the getMe probe; used by tests.
	Offline bool
}

// TelegramAdapter sends task results as Telegram messages.
type TelegramAdapter struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegramAdapter(cfg TelegramConfig, log logx.Logger) (*TelegramAdapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Poller:  &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramAdapter{cfg: cfg, bot: bot, log: log}, nil
}

func (a *TelegramAdapter) Channel() string { return "telegram" }

// Deliver renders the body template and sends it to the configured chat.
// delivery_config keys: chat_id, thread_id, body_template, disable_preview.
func (a *TelegramAdapter) Deliver(ctx context.Context, resultText string, config map[string]any, taskName string) (task.DeliveryStatus, error) {
	chatID, ok := configInt64(config, "chat_id")
	if !ok || chatID == 0 {
		chatID = a.cfg.DefaultChatID
	}
	if chatID == 0 {
		return task.DeliveryStatus{}, errors.New("no chat_id configured for telegram delivery")
	}

	vars := templateVars(resultText, taskName)
	body := truncateBody(expand(configString(config, "body_template", defaultTelegramTemplate), vars), telegramBodyLimit)

	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if threadID, ok := configInt64(config, "thread_id"); ok && threadID != 0 {
		opts.ThreadID = int(threadID)
	}

	msg, err := a.bot.Send(&tele.Chat{ID: chatID}, body, opts)
	if err != nil {
		return task.DeliveryStatus{}, err
	}

	a.log.Debug("telegram delivery sent",
		logx.String("task", taskName),
		logx.Int64("chat_id", chatID),
		logx.Int("message_id", msg.ID))
	return task.DeliveryStatus{Status: "delivered", Channel: "telegram"}, nil
}

// truncateBody shortens s to at most limit bytes without splitting a UTF-8
// rune at the cut, appending "..." to mark the truncation.
func truncateBody(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
