package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/dedupe"
	"github.com/dayuer/nanobot-hub/internal/gateway"
)

const feishuAPIBase = "https://open.feishu.cn/open-apis"

// FeishuConfig configures a FeishuChannel.
type FeishuConfig struct {
	AppID     string
	AppSecret string
	// VerificationToken, when set, must match the token carried by every
	// callback.
	VerificationToken string
	AllowFrom         []string
	APIBase           string
	HTTPClient        *http.Client
	// Seen deduplicates redelivered events by message id. Defaults to an
	// in-process cache.
	Seen   dedupe.Marker
	Logger *zerolog.Logger
}

// FeishuChannel is a push webhook adapter: events arrive at
// /webhook/feishu, are acknowledged at once, and replies go out through the
// tenant message API.
type FeishuChannel struct {
	BaseChannel
	cfg    FeishuConfig
	client *http.Client
	token  *accessToken
	seen   dedupe.Marker
	own    *dedupe.Cache
	logger zerolog.Logger
}

// NewFeishuChannel creates a FeishuChannel.
func NewFeishuChannel(cfg FeishuConfig, relay Relayer) *FeishuChannel {
	if cfg.APIBase == "" {
		cfg.APIBase = feishuAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	f := &FeishuChannel{
		BaseChannel: BaseChannel{
			ChannelName: "feishu",
			Relay:       relay,
			AllowFrom:   cfg.AllowFrom,
		},
		cfg:    cfg,
		client: cfg.HTTPClient,
		seen:   cfg.Seen,
		logger: log.With().Str("component", "feishu").Logger(),
	}
	if cfg.Logger != nil {
		f.logger = *cfg.Logger
	}
	if f.seen == nil {
		f.own = dedupe.New(time.Hour, 10000)
		f.seen = f.own
	}
	f.token = newAccessToken(f.fetchToken)
	return f
}

func (f *FeishuChannel) Name() string { return "feishu" }

// Start validates credentials and stays up until ctx is cancelled. Events
// arrive through the hub's HTTP server.
func (f *FeishuChannel) Start(ctx context.Context) error {
	if f.cfg.AppID == "" || f.cfg.AppSecret == "" {
		return errors.New("feishu app_id and app_secret not configured")
	}
	if _, err := f.token.Get(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("initial tenant token fetch failed")
	}
	f.setRunning(true)
	defer f.setRunning(false)
	<-ctx.Done()
	return nil
}

// Stop releases the dedupe cache.
func (f *FeishuChannel) Stop() error {
	if f.own != nil {
		f.own.Close()
	}
	return nil
}

// HandleVerify answers plain GET probes. Feishu verifies endpoints with a
// POSTed challenge instead.
func (f *FeishuChannel) HandleVerify(context.Context, url.Values) (string, error) {
	return "ok", nil
}

type feishuCallback struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Type      string `json:"type"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderType string `json:"sender_type"`
			SenderID   struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

// HandleCallback answers the URL-verification challenge and relays message
// events.
func (f *FeishuChannel) HandleCallback(ctx context.Context, body []byte, _ url.Values) (gateway.WebhookResponse, error) {
	var cb feishuCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return gateway.WebhookResponse{}, errors.Wrap(err, "decode feishu callback")
	}

	if want := f.cfg.VerificationToken; want != "" {
		got := cb.Token
		if got == "" {
			got = cb.Header.Token
		}
		if got != want {
			return gateway.WebhookResponse{}, gateway.ErrUnauthorized
		}
	}

	if cb.Challenge != "" {
		return jsonResponse(map[string]string{"challenge": cb.Challenge}), nil
	}

	ack := jsonResponse(map[string]int{"code": 0})
	if cb.Header.EventType != "im.message.receive_v1" {
		return ack, nil
	}
	sender, msg := cb.Event.Sender, cb.Event.Message
	if sender.SenderType == "bot" || msg.ChatID == "" {
		return ack, nil
	}
	if msg.MessageID != "" && f.seen.CheckAndMark(ctx, "feishu:"+msg.MessageID) {
		f.logger.Debug().Str("msg_id", msg.MessageID).Msg("duplicate event dropped")
		return ack, nil
	}

	text := fmt.Sprintf("[%s]", msg.MessageType)
	if msg.MessageType == "text" {
		var parsed struct {
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(msg.Content), &parsed) == nil {
			text = strings.TrimSpace(parsed.Text)
		}
	}
	if text == "" {
		return ack, nil
	}

	senderID := sender.SenderID.OpenID
	if senderID == "" {
		senderID = "unknown"
	}
	env := bus.InboundEnvelope{
		SenderID:  senderID,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Content:   text,
		Raw:       body,
		Metadata: map[string]any{
			"msg_type":  msg.MessageType,
			"chat_type": msg.ChatType,
		},
	}
	accepted, err := f.HandleMessage(ctx, env)
	if err != nil {
		return ack, errors.Wrapf(err, "relay feishu message %s", msg.MessageID)
	}
	if !accepted {
		f.logger.Warn().Str("sender_id", senderID).Msg("sender not allowed")
	}
	return ack, nil
}

// Send posts msg as an interactive markdown card.
func (f *FeishuChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	token, err := f.token.Get(ctx)
	if err != nil {
		return err
	}

	receiveIDType := "open_id"
	if strings.HasPrefix(msg.ChatID, "oc_") {
		receiveIDType = "chat_id"
	}
	card, _ := json.Marshal(map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": []map[string]any{{"tag": "markdown", "content": msg.Content}},
	})
	payload, _ := json.Marshal(map[string]any{
		"receive_id": msg.ChatID,
		"msg_type":   "interactive",
		"content":    string(card),
	})

	endpoint := fmt.Sprintf("%s/im/v1/messages?receive_id_type=%s", f.cfg.APIBase, receiveIDType)
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := f.postJSON(ctx, endpoint, token, payload, &result); err != nil {
		return err
	}
	if result.Code != 0 {
		if result.Code == 99991663 || result.Code == 99991668 {
			f.token.Invalidate()
		}
		return errors.Errorf("feishu send: code %d: %s", result.Code, result.Msg)
	}
	return nil
}

func (f *FeishuChannel) fetchToken(ctx context.Context) (string, time.Duration, error) {
	payload, _ := json.Marshal(map[string]string{
		"app_id":     f.cfg.AppID,
		"app_secret": f.cfg.AppSecret,
	})
	var result struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	if err := f.postJSON(ctx, f.cfg.APIBase+"/auth/v3/tenant_access_token/internal", "", payload, &result); err != nil {
		return "", 0, err
	}
	if result.Code != 0 || result.Token == "" {
		return "", 0, errors.Errorf("feishu token: code %d: %s", result.Code, result.Msg)
	}
	return result.Token, time.Duration(result.Expire) * time.Second, nil
}

func (f *FeishuChannel) postJSON(ctx context.Context, endpoint, token string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build feishu request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "feishu request")
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode feishu response (status %d)", resp.StatusCode)
	}
	return nil
}

func jsonResponse(v any) gateway.WebhookResponse {
	body, _ := json.Marshal(v)
	return gateway.WebhookResponse{Status: http.StatusOK, ContentType: "application/json", Body: body}
}
