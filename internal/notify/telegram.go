package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"storebot.com/internal/payment/domain"
	"storebot.com/pkg/logger"
)

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Token   string `yaml:"token" mapstructure:"token"`
	// format string with token and method, defaults to the public bot API
	APIEndpoint  string  `yaml:"api_endpoint" mapstructure:"api_endpoint"`
	AdminChatIDs []int64 `yaml:"admin_chat_ids" mapstructure:"admin_chat_ids"`
	// also tell the paying user; user ids are their private chat ids
	NotifyUsers bool          `yaml:"notify_users" mapstructure:"notify_users"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Telegram sends plain-text messages through the bot API.
type Telegram struct {
	bot         *tgbotapi.BotAPI
	admins      []int64
	notifyUsers bool
}

var _ domain.Notifier = (*Telegram)(nil)

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger.Info(context.Background(), "telegram notifier ready", zap.String("bot", bot.Self.UserName))
	return &Telegram{bot: bot, admins: cfg.AdminChatIDs, notifyUsers: cfg.NotifyUsers}, nil
}

func (t *Telegram) PaymentConfirmed(ctx context.Context, c domain.Confirmation) error {
	text := confirmedText(c)
	chats := t.admins
	if t.notifyUsers && c.UserID != 0 {
		chats = append([]int64{c.UserID}, chats...)
	}
	return t.broadcast(ctx, chats, text)
}

func (t *Telegram) PaymentNotFound(ctx context.Context, a domain.Alert) error {
	return t.broadcast(ctx, t.admins, notFoundText(a))
}

func (t *Telegram) broadcast(ctx context.Context, chats []int64, text string) error {
	var errs []error
	for _, id := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(id, text)); err != nil {
			logger.Warn(ctx, "telegram send failed", zap.Int64("chat_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
