package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/channels"
	"github.com/dayuer/nanobot-hub/internal/config"
	"github.com/dayuer/nanobot-hub/internal/cron"
	"github.com/dayuer/nanobot-hub/internal/gateway"
	"github.com/dayuer/nanobot-hub/internal/pipeline"
	"github.com/dayuer/nanobot-hub/internal/queue"
	"github.com/dayuer/nanobot-hub/internal/redis"
	"github.com/dayuer/nanobot-hub/internal/store"
	"github.com/dayuer/nanobot-hub/internal/syncreply"
)

// hub holds every long-lived component of a running server. Each one is
// built once here and injected where it is needed.
type hub struct {
	cfg       config.Config
	cache     *redis.Client
	registry  *queue.Registry
	outbound  *bus.MessageBus
	gateway   *gateway.Gateway
	bridge    *syncreply.Bridge
	store     store.JobStore
	scheduler *cron.Dispatcher
	transport *pipeline.Transport
	channels  *channels.Manager
	server    *gateway.Server

	markers    []*redis.Marker
	streamConn *goredis.Client
}

func (h *hub) marker(prefix string, ttl time.Duration) *redis.Marker {
	m := redis.NewMarker(h.cache, prefix, ttl)
	h.markers = append(h.markers, m)
	return m
}

func buildHub(ctx context.Context, cfg config.Config) (h *hub, err error) {
	h = &hub{cfg: cfg}
	defer func() {
		if err != nil {
			h.close()
		}
	}()

	if cfg.Redis.URL != "" {
		h.cache, err = redis.Connect(ctx, redis.Config{URL: cfg.Redis.URL, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			// Local caches take over; a single replica stays correct.
			log.Warn().Err(err).Msg("redis unavailable, using in-process caches")
			h.cache, err = nil, nil
		}
	}

	h.registry = queue.NewRegistry(ctx, queue.Options{
		InboundCapacity: cfg.Queue.InboundCapacity,
		BackCapacity:    cfg.Queue.BackCapacity,
	})
	h.outbound = bus.NewMessageBus(100)
	h.gateway = gateway.New(gateway.Options{
		Registry:    h.registry,
		Outbound:    h.outbound,
		Redis:       h.cache,
		FinishedTTL: cfg.Stream.FinishedTTL(),
		PollWait:    cfg.Stream.PollWait(),
		AskTimeout:  cfg.Reply.AskTimeout(),
		ChunkBytes:  cfg.Reply.MaxChunkBytes,
	})

	if err := h.buildPipeline(); err != nil {
		return h, err
	}

	h.bridge, err = syncreply.NewBridge(ctx, syncreply.Options{
		Budget:         cfg.Reply.Budget(),
		Deadline:       cfg.Reply.Deadline(),
		StateTTL:       cfg.Reply.StateTTL(),
		DeliveredTTL:   cfg.Reply.DeliveredTTL(),
		ActiveSendMode: cfg.Reply.ActiveSendMode,
		Forward:        h.gateway.Relay,
		Delivered:      h.marker("delivered:", cfg.Reply.DeliveredTTL()),
	})
	if err != nil {
		return h, errors.Wrap(err, "reply bridge")
	}

	if err := h.buildScheduler(ctx); err != nil {
		return h, err
	}

	h.channels = channels.NewManager(h.outbound)
	h.registerChannels()

	h.server = gateway.NewServer(gateway.ServerConfig{
		Host:       cfg.Gateway.Host,
		Port:       cfg.Gateway.Port,
		APIKey:     cfg.Gateway.APIKey,
		InstanceID: cfg.Gateway.InstanceID,
		Gateway:    h.gateway,
		Jobs:       h.scheduler,
		Stats:      h.stats(),
	})
	for _, wh := range h.channels.Webhooks() {
		h.server.RegisterWebhook(wh)
	}
	return h, nil
}

func (h *hub) buildPipeline() error {
	pc := h.cfg.Pipeline
	if pc.Mode != config.PipelineRedis {
		h.registry.SetListener(pipeline.NewEcho(h.gateway, nil).Listen)
		log.Info().Msg("pipeline: in-process echo")
		return nil
	}

	var client goredis.UniversalClient
	switch {
	case pc.RedisAddr != "":
		h.streamConn = goredis.NewClient(&goredis.Options{Addr: pc.RedisAddr, Password: h.cfg.Redis.Password})
		client = h.streamConn
	case h.cache.Raw() != nil:
		client = h.cache.Raw()
	default:
		return errors.New("pipeline.mode redis: no redis connection")
	}
	tr, err := pipeline.NewRedisTransport(client, h.gateway,
		pipeline.RedisConfig{ConsumerGroup: pc.ConsumerGroup, Consumer: h.cfg.Gateway.InstanceID},
		pipeline.TransportConfig{InboundTopic: pc.InboundTopic, ResultTopic: pc.ResultTopic})
	if err != nil {
		return err
	}
	h.transport = tr
	h.registry.SetListener(tr.Listen)
	log.Info().Str("inbound", pc.InboundTopic).Str("results", pc.ResultTopic).Msg("pipeline: redis streams")
	return nil
}

func (h *hub) buildScheduler(ctx context.Context) error {
	st, err := store.NewSQLiteStore(h.cfg.Cron.DBPath)
	if err != nil {
		return errors.Wrap(err, "job store")
	}
	h.store = st

	opts := cron.Options{
		Store:        st,
		Sink:         h.gateway.Relay,
		Resolver:     h.gateway,
		MisfireGrace: h.cfg.Cron.MisfireGrace(),
	}
	if h.cache != nil {
		opts.Locker = redis.NewJobLocker(h.cache, 10*time.Minute)
	}
	h.scheduler = cron.NewDispatcher(opts)

	if f := h.cfg.Cron.JobsFile; f != "" {
		jobs, err := cron.LoadSeedFile(f)
		if err != nil {
			return err
		}
		created, updated, err := h.scheduler.Import(ctx, jobs)
		if err != nil {
			return errors.Wrapf(err, "import %s", f)
		}
		log.Info().Str("file", f).Int("created", created).Int("updated", updated).Msg("jobs imported")
	}
	return nil
}

func (h *hub) registerChannels() {
	cc := h.cfg.Channel
	if tg := cc.Telegram; tg != nil && tg.Token != "" {
		h.channels.Register(channels.NewTelegramChannel(channels.TelegramConfig{
			Token:       tg.Token,
			AllowFrom:   tg.AllowFrom,
			APIEndpoint: tg.APIEndpoint,
		}, h.gateway))
	}
	if fs := cc.Feishu; fs != nil && fs.AppID != "" {
		h.channels.Register(channels.NewFeishuChannel(channels.FeishuConfig{
			AppID:             fs.AppID,
			AppSecret:         fs.AppSecret,
			VerificationToken: fs.VerificationToken,
			APIBase:           fs.APIBase,
			AllowFrom:         fs.AllowFrom,
			Seen:              h.marker("feishu:seen:", time.Hour),
		}, h.gateway))
	}
	if wx := cc.WeChat; wx != nil && wx.Token != "" {
		h.channels.Register(channels.NewWeChatChannel(channels.WeChatConfig{
			Token:     wx.Token,
			AppID:     wx.AppID,
			AppSecret: wx.AppSecret,
			APIBase:   wx.APIBase,
			AllowFrom: wx.AllowFrom,
		}, h.bridge, h.gateway, h.gateway))
	}
}

func (h *hub) stats() map[string]gateway.StatsProvider {
	s := map[string]gateway.StatsProvider{
		"queue":    h.registry,
		"gateway":  h.gateway,
		"reply":    h.bridge,
		"channels": h.channels,
	}
	if h.transport != nil {
		s["pipeline"] = h.transport
	}
	return s
}

// run serves until ctx ends or a component fails.
func (h *hub) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.server.Start(ctx) })
	g.Go(func() error { return h.channels.StartAll(ctx) })
	g.Go(func() error {
		if err := h.scheduler.Start(ctx); err != nil {
			return errors.Wrap(err, "start scheduler")
		}
		<-ctx.Done()
		h.scheduler.Shutdown()
		return nil
	})
	if h.transport != nil {
		g.Go(func() error { return h.transport.Run(ctx) })
	}

	err := g.Wait()
	h.close()
	return err
}

// close releases everything built so far. Safe on a partly built hub.
func (h *hub) close() {
	if h.channels != nil {
		h.channels.StopAll()
	}
	if h.scheduler != nil {
		h.scheduler.Shutdown()
	}
	// Closing the queues first unblocks bridge tasks waiting on a stream.
	if h.registry != nil {
		h.registry.Close()
	}
	if h.bridge != nil {
		h.bridge.Close()
	}
	if h.transport != nil {
		if err := h.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("close pipeline transport")
		}
	}
	if h.store != nil {
		h.store.Close()
	}
	for _, m := range h.markers {
		m.Close()
	}
	if h.streamConn != nil {
		h.streamConn.Close()
	}
	h.cache.Close()
}
