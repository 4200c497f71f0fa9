package channels

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/gateway"
	"github.com/dayuer/nanobot-hub/internal/syncreply"
)

const wechatAPIBase = "https://api.weixin.qq.com"

// Replier answers one synchronous webhook delivery.
type Replier interface {
	Handle(ctx context.Context, req syncreply.Request) syncreply.Reply
}

// TaskSource builds the background task that produces the reply chunks for
// an envelope.
type TaskSource interface {
	TaskFor(env bus.InboundEnvelope) syncreply.Task
}

// WeChatConfig configures a WeChatChannel.
type WeChatConfig struct {
	// Token is the server token used to sign callbacks.
	Token      string
	AppID      string
	AppSecret  string
	AllowFrom  []string
	APIBase    string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// WeChatChannel is a synchronous webhook adapter for an official account.
// The platform waits about five seconds for the HTTP response and retries
// the same message otherwise, so replies go through the sync reply bridge.
// Send pushes through the customer-service API, used in active send mode
// and for scheduled triggers.
type WeChatChannel struct {
	BaseChannel
	cfg     WeChatConfig
	replier Replier
	tasks   TaskSource
	client  *http.Client
	token   *accessToken
	logger  zerolog.Logger
	now     func() time.Time
}

// NewWeChatChannel creates a WeChatChannel.
func NewWeChatChannel(cfg WeChatConfig, replier Replier, tasks TaskSource, relay Relayer) *WeChatChannel {
	if cfg.APIBase == "" {
		cfg.APIBase = wechatAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	w := &WeChatChannel{
		BaseChannel: BaseChannel{
			ChannelName: "wechat",
			Relay:       relay,
			AllowFrom:   cfg.AllowFrom,
		},
		cfg:     cfg,
		replier: replier,
		tasks:   tasks,
		client:  cfg.HTTPClient,
		logger:  log.With().Str("component", "wechat").Logger(),
		now:     time.Now,
	}
	if cfg.Logger != nil {
		w.logger = *cfg.Logger
	}
	w.token = newAccessToken(w.fetchToken)
	return w
}

func (w *WeChatChannel) Name() string { return "wechat" }

// Start stays up until ctx is cancelled. Messages arrive through the hub's
// HTTP server.
func (w *WeChatChannel) Start(ctx context.Context) error {
	if w.cfg.Token == "" {
		return errors.New("wechat token not configured")
	}
	w.setRunning(true)
	defer w.setRunning(false)
	<-ctx.Done()
	return nil
}

func (w *WeChatChannel) Stop() error { return nil }

// Signature computes the callback signature: sha1 over the sorted
// concatenation of token, timestamp and nonce.
func Signature(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func (w *WeChatChannel) verify(q url.Values) bool {
	want := Signature(w.cfg.Token, q.Get("timestamp"), q.Get("nonce"))
	return subtle.ConstantTimeCompare([]byte(want), []byte(q.Get("signature"))) == 1
}

// HandleVerify answers the endpoint check by echoing echostr.
func (w *WeChatChannel) HandleVerify(_ context.Context, q url.Values) (string, error) {
	if !w.verify(q) {
		return "", gateway.ErrUnauthorized
	}
	return q.Get("echostr"), nil
}

// cdata marshals as <![CDATA[...]]>.
type cdata struct {
	Value string `xml:",cdata"`
}

type wechatInbound struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Recognition  string   `xml:"Recognition"`
	Event        string   `xml:"Event"`
}

type wechatTextReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

// ackSuccess tells the platform the message was handled without a reply.
func ackSuccess() gateway.WebhookResponse { return gateway.TextResponse("success") }

// HandleCallback verifies and parses one pushed message and answers it
// through the reply bridge.
func (w *WeChatChannel) HandleCallback(ctx context.Context, body []byte, q url.Values) (gateway.WebhookResponse, error) {
	if !w.verify(q) {
		return gateway.WebhookResponse{}, gateway.ErrUnauthorized
	}
	var in wechatInbound
	if err := xml.Unmarshal(body, &in); err != nil {
		return gateway.WebhookResponse{}, errors.Wrap(err, "decode wechat message")
	}

	env, ok := w.envelope(in, body)
	if !ok {
		return ackSuccess(), nil
	}
	if !w.IsAllowed(env.SenderID) {
		w.logger.Warn().Str("sender_id", env.SenderID).Msg("sender not allowed")
		return ackSuccess(), nil
	}

	reply := w.replier.Handle(ctx, syncreply.Request{Envelope: env, Task: w.tasks.TaskFor(env)})
	if reply.Empty || reply.Text == "" {
		return ackSuccess(), nil
	}
	return w.textReply(in, reply.Text)
}

// envelope maps a pushed message to an inbound envelope. Events other than
// subscription are acknowledged without reaching the pipeline.
func (w *WeChatChannel) envelope(in wechatInbound, raw []byte) (bus.InboundEnvelope, bool) {
	env := bus.InboundEnvelope{
		Channel:   "wechat",
		SenderID:  in.FromUserName,
		ChatID:    in.FromUserName,
		MessageID: in.MsgID,
		Timestamp: time.Unix(in.CreateTime, 0),
		Metadata: map[string]any{
			"msg_type": in.MsgType,
			"to_user":  in.ToUserName,
			"raw_xml":  string(raw),
		},
	}
	// Events carry no MsgId; retries keep sender and CreateTime.
	if env.MessageID == "" {
		env.MessageID = in.FromUserName + ":" + strconv.FormatInt(in.CreateTime, 10)
	}

	switch in.MsgType {
	case "text":
		env.Content = strings.TrimSpace(in.Content)
	case "image":
		env.Content = "[image]"
		if in.PicURL != "" {
			env.Media = []string{in.PicURL}
		}
	case "voice":
		env.Content = strings.TrimSpace(in.Recognition)
		if env.Content == "" {
			env.Content = "[voice]"
		}
	case "event":
		if in.Event != "subscribe" {
			return env, false
		}
		env.Content = "[subscribe]"
	default:
		env.Content = fmt.Sprintf("[%s]", in.MsgType)
	}
	return env, env.Content != ""
}

func (w *WeChatChannel) textReply(in wechatInbound, text string) (gateway.WebhookResponse, error) {
	out, err := xml.Marshal(wechatTextReply{
		ToUserName:   cdata{in.FromUserName},
		FromUserName: cdata{in.ToUserName},
		CreateTime:   w.now().Unix(),
		MsgType:      cdata{"text"},
		Content:      cdata{text},
	})
	if err != nil {
		return gateway.WebhookResponse{}, errors.Wrap(err, "encode wechat reply")
	}
	return gateway.WebhookResponse{Status: http.StatusOK, ContentType: "application/xml; charset=utf-8", Body: out}, nil
}

// Send pushes msg through the customer-service message API.
func (w *WeChatChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	token, err := w.token.Get(ctx)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]any{
		"touser":  msg.ChatID,
		"msgtype": "text",
		"text":    map[string]string{"content": msg.Content},
	})
	endpoint := w.cfg.APIBase + "/cgi-bin/message/custom/send?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build wechat request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	var result wechatResult
	if err := w.do(req, &result); err != nil {
		return err
	}
	if result.ErrCode != 0 {
		if result.ErrCode == 40001 || result.ErrCode == 42001 {
			w.token.Invalidate()
		}
		return errors.Errorf("wechat send: errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

type wechatResult struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (w *WeChatChannel) fetchToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{
		"grant_type": {"client_credential"},
		"appid":      {w.cfg.AppID},
		"secret":     {w.cfg.AppSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.APIBase+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "build wechat token request")
	}
	var result wechatResult
	if err := w.do(req, &result); err != nil {
		return "", 0, err
	}
	if result.ErrCode != 0 || result.AccessToken == "" {
		return "", 0, errors.Errorf("wechat token: errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	return result.AccessToken, time.Duration(result.ExpiresIn) * time.Second, nil
}

func (w *WeChatChannel) do(req *http.Request, out *wechatResult) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "wechat request")
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode wechat response (status %d)", resp.StatusCode)
	}
	return nil
}
