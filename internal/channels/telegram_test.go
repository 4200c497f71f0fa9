package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

// fakeBotAPI is a minimal Bot API server. It rejects HTML messages when
// rejectHTML is set.
type fakeBotAPI struct {
	mu         sync.Mutex
	rejectHTML bool
	sent       []sentMessage
}

type sentMessage struct {
	chatID    string
	text      string
	parseMode string
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 1, "is_bot": true, "first_name": "hub", "username": "hubbot"},
		})
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejectHTML && r.FormValue("parse_mode") == "HTML" {
			json.NewEncoder(w).Encode(map[string]any{
				"ok": false, "error_code": 400, "description": "Bad Request: can't parse entities",
			})
			return
		}
		f.sent = append(f.sent, sentMessage{chatID: r.FormValue("chat_id"), text: r.FormValue("text"), parseMode: r.FormValue("parse_mode")})
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": len(f.sent), "date": 0, "chat": map[string]any{"id": 42, "type": "private"}},
		})
	default:
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": []any{}})
	}
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, relay Relayer, allow []string) *TelegramChannel {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)
	nop := zerolog.Nop()
	return NewTelegramChannel(TelegramConfig{
		Token:       "test-token",
		AllowFrom:   allow,
		APIEndpoint: srv.URL + "/bot%s/%s",
		Logger:      &nop,
	}, relay)
}

func TestTelegramChannel_Contract(t *testing.T) {
	ch := NewTelegramChannel(TelegramConfig{Token: "x"}, &fakeRelay{})
	RunChannelContractTests(t, ch)
	assert.Equal(t, "telegram", ch.Name())
}

func TestTelegramChannel_StartNoToken(t *testing.T) {
	ch := NewTelegramChannel(TelegramConfig{}, &fakeRelay{})
	assert.Error(t, ch.Start(context.Background()))
}

func TestTelegramChannel_SendHTML(t *testing.T) {
	api := &fakeBotAPI{}
	ch := newTestTelegram(t, api, &fakeRelay{}, nil)

	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "**Hello** `world`"}))

	require.Len(t, api.sent, 1)
	assert.Equal(t, "42", api.sent[0].chatID)
	assert.Equal(t, "HTML", api.sent[0].parseMode)
	assert.Equal(t, "<b>Hello</b> <code>world</code>", api.sent[0].text)
}

func TestTelegramChannel_SendFallsBackToPlain(t *testing.T) {
	api := &fakeBotAPI{rejectHTML: true}
	ch := newTestTelegram(t, api, &fakeRelay{}, nil)

	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "**x**"}))

	require.Len(t, api.sent, 1)
	assert.Equal(t, "", api.sent[0].parseMode)
	assert.Equal(t, "**x**", api.sent[0].text)
}

func TestTelegramChannel_SendBadChatID(t *testing.T) {
	ch := newTestTelegram(t, &fakeBotAPI{}, &fakeRelay{}, nil)
	assert.Error(t, ch.Send(context.Background(), bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}))
}

func TestTelegramChannel_SendSplitsLongText(t *testing.T) {
	api := &fakeBotAPI{}
	ch := newTestTelegram(t, api, &fakeRelay{}, nil)

	long := strings.Repeat("line of text\n", 700)
	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: long}))
	assert.Greater(t, len(api.sent), 1)
	for _, s := range api.sent {
		assert.LessOrEqual(t, len(s.text), telegramMaxMsgBytes)
	}
}

func TestTelegramChannel_HandleUpdate(t *testing.T) {
	relay := &fakeRelay{}
	ch := newTestTelegram(t, &fakeBotAPI{}, relay, nil)

	ch.handleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 7,
			From:      &tgbotapi.User{ID: 1001, UserName: "alice"},
			Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
			Date:      1700000000,
			Text:      "  hi bot ",
		},
	})

	got := relay.relayed()
	require.Len(t, got, 1)
	assert.Equal(t, "telegram", got[0].Channel)
	assert.Equal(t, "1001|alice", got[0].SenderID)
	assert.Equal(t, "42", got[0].ChatID)
	assert.Equal(t, "7", got[0].MessageID)
	assert.Equal(t, "hi bot", got[0].Content)
	assert.Equal(t, "telegram:42", got[0].ConversationKey())
}

func TestTelegramChannel_HandleUpdate_CaptionAndDenied(t *testing.T) {
	relay := &fakeRelay{}
	ch := newTestTelegram(t, &fakeBotAPI{}, relay, []string{"alice"})

	ch.handleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{
			From:    &tgbotapi.User{ID: 1, UserName: "alice"},
			Chat:    &tgbotapi.Chat{ID: 1},
			Caption: "photo caption",
		},
	})
	ch.handleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: 2, UserName: "mallory"},
			Chat: &tgbotapi.Chat{ID: 2},
			Text: "let me in",
		},
	})
	ch.handleUpdate(context.Background(), tgbotapi.Update{})

	got := relay.relayed()
	require.Len(t, got, 1)
	assert.Equal(t, "photo caption", got[0].Content)
}
