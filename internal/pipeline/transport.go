package pipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

const (
	DefaultInboundTopic  = "nanobot.inbound"
	DefaultResultTopic   = "nanobot.results"
	DefaultConsumerGroup = "nanobot-hub"

	metaConversationID = "conversation_id"
	metaStreamID       = "stream_id"
)

// TransportConfig configures a Transport.
type TransportConfig struct {
	InboundTopic string
	ResultTopic  string
	Logger       *zerolog.Logger
}

// Transport publishes inbound envelopes to the external pipeline and pumps
// result envelopes back into the stream back-channels.
type Transport struct {
	pub      message.Publisher
	sub      message.Subscriber
	out      Deliverer
	inTopic  string
	resTopic string
	logger   zerolog.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewTransport creates a Transport over an existing publisher and
// subscriber.
func NewTransport(pub message.Publisher, sub message.Subscriber, out Deliverer, cfg TransportConfig) *Transport {
	if cfg.InboundTopic == "" {
		cfg.InboundTopic = DefaultInboundTopic
	}
	if cfg.ResultTopic == "" {
		cfg.ResultTopic = DefaultResultTopic
	}
	t := &Transport{
		pub:      pub,
		sub:      sub,
		out:      out,
		inTopic:  cfg.InboundTopic,
		resTopic: cfg.ResultTopic,
		logger:   log.With().Str("component", "pipeline").Logger(),
	}
	if cfg.Logger != nil {
		t.logger = *cfg.Logger
	}
	return t
}

// RedisConfig selects the Redis Streams consumer group for results.
type RedisConfig struct {
	ConsumerGroup string
	Consumer      string
}

// NewRedisTransport builds a Transport on Redis Streams.
func NewRedisTransport(client goredis.UniversalClient, out Deliverer, rc RedisConfig, cfg TransportConfig) (*Transport, error) {
	if rc.ConsumerGroup == "" {
		rc.ConsumerGroup = DefaultConsumerGroup
	}
	if rc.Consumer == "" {
		rc.Consumer = uuid.NewString()
	}
	logger := log.With().Str("component", "watermill").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	wmLogger := NewWatermillLogger(logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: rc.ConsumerGroup,
		Consumer:      rc.Consumer,
	}, wmLogger)
	if err != nil {
		pub.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}
	return NewTransport(pub, sub, out, cfg), nil
}

// Listen publishes env on the inbound topic. It is the registry listener.
func (t *Transport) Listen(ctx context.Context, env bus.InboundEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metaConversationID, env.ConversationKey())
	msg.Metadata.Set(metaStreamID, env.StreamID)
	msg.SetContext(ctx)
	if err := t.pub.Publish(t.inTopic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", t.inTopic)
	}
	t.published.Add(1)
	return nil
}

// Run pumps result envelopes into back-channels until ctx ends.
// Undeliverable results are acked and dropped; a stream that is already
// gone has nobody left to read them.
func (t *Transport) Run(ctx context.Context) error {
	msgs, err := t.sub.Subscribe(ctx, t.resTopic)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", t.resTopic)
	}
	t.logger.Info().Str("topic", t.resTopic).Msg("result pump started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			t.handleResult(ctx, msg)
			msg.Ack()
		}
	}
}

func (t *Transport) handleResult(ctx context.Context, msg *message.Message) {
	var res bus.ResultEnvelope
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		t.dropped.Add(1)
		t.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("undecodable result dropped")
		return
	}
	if err := t.out.Deliver(ctx, res.StreamID, res.Fragment); err != nil {
		t.dropped.Add(1)
		t.logger.Warn().Err(err).
			Str("stream_id", res.StreamID).
			Str("conversation_id", res.ConversationID).
			Str("fragment", string(res.Fragment.Type)).
			Msg("result dropped")
		return
	}
	t.delivered.Add(1)
}

// PublishResult publishes one result envelope on the result topic. Remote
// pipelines written in Go use it to answer.
func PublishResult(pub message.Publisher, topic string, res bus.ResultEnvelope) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metaStreamID, res.StreamID)
	if err := pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

// Stats reports pump counters.
func (t *Transport) Stats() map[string]any {
	return map[string]any{
		"inboundTopic": t.inTopic,
		"resultTopic":  t.resTopic,
		"published":    t.published.Load(),
		"delivered":    t.delivered.Load(),
		"dropped":      t.dropped.Load(),
	}
}

// Close closes the publisher and subscriber.
func (t *Transport) Close() error {
	perr := t.pub.Close()
	serr := t.sub.Close()
	if perr != nil {
		return errors.Wrap(perr, "close publisher")
	}
	return errors.Wrap(serr, "close subscriber")
}
