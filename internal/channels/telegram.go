package channels

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/syncreply"
)

const telegramMaxMsgBytes = 4000

// TelegramConfig configures a TelegramChannel.
type TelegramConfig struct {
	Token     string
	AllowFrom []string
	// APIEndpoint overrides the Bot API endpoint format
	// ("https://api.telegram.org/bot%s/%s").
	APIEndpoint string
	Logger      *zerolog.Logger
}

// TelegramChannel is a persistent-connection adapter using Bot API long
// polling. Replies are relayed through the pipeline and pushed with Send.
type TelegramChannel struct {
	BaseChannel
	cfg    TelegramConfig
	logger zerolog.Logger

	mu       sync.Mutex
	bot      *tgbotapi.BotAPI
	cancelFn context.CancelFunc
}

// NewTelegramChannel creates a TelegramChannel.
func NewTelegramChannel(cfg TelegramConfig, relay Relayer) *TelegramChannel {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	t := &TelegramChannel{
		BaseChannel: BaseChannel{
			ChannelName: "telegram",
			Relay:       relay,
			AllowFrom:   cfg.AllowFrom,
		},
		cfg:    cfg,
		logger: log.With().Str("component", "telegram").Logger(),
	}
	if cfg.Logger != nil {
		t.logger = *cfg.Logger
	}
	return t
}

func (t *TelegramChannel) Name() string { return "telegram" }

// connect authenticates the bot with getMe.
func (t *TelegramChannel) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	if t.cfg.Token == "" {
		return nil, errors.New("telegram bot token not configured")
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.cfg.Token, t.cfg.APIEndpoint)
	if err != nil {
		return nil, errors.Wrap(err, "telegram getMe")
	}
	t.bot = bot
	t.logger.Info().Str("username", bot.Self.UserName).Int64("id", bot.Self.ID).Msg("telegram bot connected")
	return bot, nil
}

// Start long-polls for updates until ctx is cancelled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := t.connect()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()
	t.setRunning(true)
	defer t.setRunning(false)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop cancels the receive loop.
func (t *TelegramChannel) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelFn != nil {
		t.cancelFn()
	}
	return nil
}

// Send pushes msg as HTML, falling back to plain text when Telegram rejects
// the markup. Long messages are split.
func (t *TelegramChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	bot, err := t.connect()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid telegram chat id %q", msg.ChatID)
	}

	for _, chunk := range syncreply.SplitText(msg.Content, telegramMaxMsgBytes) {
		html := tgbotapi.NewMessage(chatID, MarkdownToTelegramHTML(chunk))
		html.ParseMode = tgbotapi.ModeHTML
		_, err := bot.Send(html)
		if err == nil {
			continue
		}
		t.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("html send rejected, retrying as plain text")
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return errors.Wrap(err, "telegram sendMessage")
		}
	}
	return nil
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}

	senderID := strconv.FormatInt(m.From.ID, 10)
	if m.From.UserName != "" {
		senderID += "|" + m.From.UserName
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if text == "" {
		text = "[empty message]"
	}

	env := bus.InboundEnvelope{
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.Itoa(m.MessageID),
		Content:   text,
		Timestamp: time.Unix(int64(m.Date), 0),
		Metadata: map[string]any{
			"message_id": m.MessageID,
			"chat_type":  m.Chat.Type,
		},
	}
	accepted, err := t.HandleMessage(ctx, env)
	logger := t.logger.With().Str("sender_id", senderID).Str("chat_id", env.ChatID).Logger()
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("relay failed")
	case !accepted:
		logger.Warn().Msg("sender not allowed")
	}
}
