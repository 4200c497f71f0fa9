// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level hub configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Queue    QueueConfig    `json:"queue"`
	Reply    ReplyConfig    `json:"reply"`
	Stream   StreamConfig   `json:"stream"`
	Cron     CronConfig     `json:"cron"`
	Redis    RedisConfig    `json:"redis"`
	Pipeline PipelineConfig `json:"pipeline"`
	Channel  ChannelConfig  `json:"channel"`
	Log      LogConfig      `json:"log"`
}

// GatewayConfig holds HTTP server settings.
type GatewayConfig struct {
	Port       int    `json:"port,omitempty"`
	Host       string `json:"host,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// QueueConfig bounds the conversation queues.
type QueueConfig struct {
	InboundCapacity int `json:"inboundCapacity,omitempty"`
	BackCapacity    int `json:"backCapacity,omitempty"`
}

// ReplyConfig tunes the synchronous reply bridge.
type ReplyConfig struct {
	BudgetMs        int  `json:"budgetMs,omitempty"`
	DeadlineMs      int  `json:"deadlineMs,omitempty"`
	ActiveSendMode  bool `json:"activeSendMode,omitempty"`
	MaxChunkBytes   int  `json:"maxChunkBytes,omitempty"`
	DeliveredTTLSec int  `json:"deliveredTtlSec,omitempty"`
	StateTTLSec     int  `json:"stateTtlSec,omitempty"`
	AskTimeoutSec   int  `json:"askTimeoutSec,omitempty"`
}

func (r ReplyConfig) Budget() time.Duration   { return ms(r.BudgetMs) }
func (r ReplyConfig) Deadline() time.Duration { return ms(r.DeadlineMs) }
func (r ReplyConfig) DeliveredTTL() time.Duration {
	return secs(r.DeliveredTTLSec)
}
func (r ReplyConfig) StateTTL() time.Duration   { return secs(r.StateTTLSec) }
func (r ReplyConfig) AskTimeout() time.Duration { return secs(r.AskTimeoutSec) }

// StreamConfig tunes polled back-channels.
type StreamConfig struct {
	FinishedTTLSec int `json:"finishedTtlSec,omitempty"`
	PollWaitMs     int `json:"pollWaitMs,omitempty"`
}

func (s StreamConfig) FinishedTTL() time.Duration { return secs(s.FinishedTTLSec) }
func (s StreamConfig) PollWait() time.Duration    { return ms(s.PollWaitMs) }

// CronConfig holds scheduled trigger settings.
type CronConfig struct {
	DBPath          string `json:"dbPath,omitempty"`
	MisfireGraceSec int    `json:"misfireGraceSec,omitempty"`
	JobsFile        string `json:"jobsFile,omitempty"`
}

func (c CronConfig) MisfireGrace() time.Duration { return secs(c.MisfireGraceSec) }

// RedisConfig holds the shared cache connection. An empty URL disables it.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

const (
	PipelineEcho  = "echo"
	PipelineRedis = "redis"
)

// PipelineConfig selects how inbound messages reach the agent pipeline.
type PipelineConfig struct {
	Mode          string `json:"mode,omitempty"` // echo | redis
	RedisAddr     string `json:"redisAddr,omitempty"`
	InboundTopic  string `json:"inboundTopic,omitempty"`
	ResultTopic   string `json:"resultTopic,omitempty"`
	ConsumerGroup string `json:"consumerGroup,omitempty"`
}

// ChannelConfig holds per-channel settings. A nil entry disables the channel.
type ChannelConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Feishu   *FeishuConfig   `json:"feishu,omitempty"`
	WeChat   *WeChatConfig   `json:"wechat,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token       string   `json:"token"`
	APIEndpoint string   `json:"apiEndpoint,omitempty"`
	AllowFrom   []string `json:"allowFrom,omitempty"`
}

// FeishuConfig holds Feishu/Lark settings.
type FeishuConfig struct {
	AppID             string   `json:"appId"`
	AppSecret         string   `json:"appSecret"`
	VerificationToken string   `json:"verificationToken,omitempty"`
	APIBase           string   `json:"apiBase,omitempty"`
	AllowFrom         []string `json:"allowFrom,omitempty"`
}

// WeChatConfig holds official account settings.
type WeChatConfig struct {
	Token     string   `json:"token"`
	AppID     string   `json:"appId,omitempty"`
	AppSecret string   `json:"appSecret,omitempty"`
	APIBase   string   `json:"apiBase,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// LogConfig selects the log level and output format (pretty | json).
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 18790,
			Host: "0.0.0.0",
		},
		Queue: QueueConfig{
			InboundCapacity: 64,
			BackCapacity:    512,
		},
		Reply: ReplyConfig{
			BudgetMs:        4000,
			DeadlineMs:      5000,
			MaxChunkBytes:   2000,
			DeliveredTTLSec: 600,
			StateTTLSec:     600,
			AskTimeoutSec:   300,
		},
		Stream: StreamConfig{
			FinishedTTLSec: 300,
			PollWaitMs:     2000,
		},
		Cron: CronConfig{
			MisfireGraceSec: 60,
		},
		Pipeline: PipelineConfig{
			Mode:          PipelineEcho,
			InboundTopic:  "nanobot.inbound",
			ResultTopic:   "nanobot.results",
			ConsumerGroup: "nanobot-hub",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
	}
}

func ms(n int) time.Duration   { return time.Duration(n) * time.Millisecond }
func secs(n int) time.Duration { return time.Duration(n) * time.Second }
