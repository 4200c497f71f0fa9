package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/store"
)

// maxWebhookBody bounds callback bodies read from platforms.
const maxWebhookBody = 1 << 20

// ErrUnauthorized is returned by webhook handlers when a request fails
// signature or token verification.
var ErrUnauthorized = errors.New("webhook verification failed")

// WebhookResponse is what a webhook handler writes back to the platform.
type WebhookResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// TextResponse is a 200 plain-text webhook response.
func TextResponse(body string) WebhookResponse {
	return WebhookResponse{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

// WebhookHandler is a platform adapter reachable at /webhook/{Name()}.
type WebhookHandler interface {
	Name() string
	// HandleVerify answers the platform's GET endpoint check.
	HandleVerify(ctx context.Context, query url.Values) (string, error)
	// HandleCallback handles one pushed event.
	HandleCallback(ctx context.Context, body []byte, query url.Values) (WebhookResponse, error)
}

// JobService is the subset of the trigger dispatcher the API exposes.
type JobService interface {
	ListJobs(ctx context.Context) ([]*store.Job, error)
	RunNow(ctx context.Context, id string) error
}

// StatsProvider reports component statistics for /api/status.
type StatsProvider interface {
	Stats() map[string]any
}

// Server is the hub HTTP API: web chat, stream polling, websocket
// streaming, platform webhooks and job control.
type Server struct {
	host       string
	port       int
	apiKey     string
	instanceID string
	gateway    *Gateway
	jobs       JobService
	stats      map[string]StatsProvider
	logger     zerolog.Logger

	webhookMu sync.RWMutex
	webhooks  map[string]WebhookHandler

	wsConns map[*wsConn]bool
	wsMu    sync.Mutex

	activeRequests atomic.Int64
	totalRequests  atomic.Int64
	totalLatencyMs atomic.Int64
	startTime      time.Time

	mux *http.ServeMux
	srv *http.Server
}

// ServerConfig configures the Server.
type ServerConfig struct {
	Host       string
	Port       int
	APIKey     string
	InstanceID string
	Gateway    *Gateway
	Jobs       JobService
	Stats      map[string]StatsProvider
	Logger     *zerolog.Logger
}

// NewServer creates the HTTP API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	s := &Server{
		host:       cfg.Host,
		port:       cfg.Port,
		apiKey:     cfg.APIKey,
		instanceID: cfg.InstanceID,
		gateway:    cfg.Gateway,
		jobs:       cfg.Jobs,
		stats:      cfg.Stats,
		logger:     log.With().Str("component", "server").Logger(),
		webhooks:   make(map[string]WebhookHandler),
		wsConns:    make(map[*wsConn]bool),
		startTime:  time.Now(),
		mux:        http.NewServeMux(),
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.withAuth(s.handleWS))
	s.mux.HandleFunc("GET /api/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("POST /api/chat", s.withAuth(s.handleChat))
	s.mux.HandleFunc("GET /api/stream/{id}", s.withAuth(s.handleStream))
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.withAuth(s.handleCloseConversation))
	s.mux.HandleFunc("GET /api/jobs", s.withAuth(s.handleJobs))
	s.mux.HandleFunc("POST /api/jobs/{id}/run", s.withAuth(s.handleRunJob))
	s.mux.HandleFunc("/webhook/{platform}", s.handleWebhook)

	return s
}

// RegisterWebhook mounts h at /webhook/{h.Name()}.
func (s *Server) RegisterWebhook(h WebhookHandler) {
	s.webhookMu.Lock()
	defer s.webhookMu.Unlock()
	s.webhooks[h.Name()] = h
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP API listening")

	go func() {
		<-ctx.Done()
		s.closeAllWS()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// --- Auth middleware ---

// withAuth accepts "Authorization: Bearer <key>", or ?token=<key> for
// browser websocket clients that cannot set headers.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey && r.URL.Query().Get("token") != s.apiKey {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":     "ok",
		"instanceId": s.instanceID,
		"uptime":     int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	total := s.totalRequests.Load()
	var avgMs int64
	if total > 0 {
		avgMs = s.totalLatencyMs.Load() / total
	}
	status := map[string]any{
		"instanceId": s.instanceID,
		"uptime":     int(time.Since(s.startTime).Seconds()),
		"load": map[string]any{
			"activeRequests": s.activeRequests.Load(),
			"totalRequests":  total,
			"avgLatencyMs":   avgMs,
		},
		"wsConnections": s.WSConnectionCount(),
	}
	for name, p := range s.stats {
		status[name] = p.Stats()
	}
	s.webhookMu.RLock()
	platforms := make([]string, 0, len(s.webhooks))
	for name := range s.webhooks {
		platforms = append(platforms, name)
	}
	s.webhookMu.RUnlock()
	status["webhooks"] = platforms
	writeJSON(w, status)
}

// chatRequest is the JSON body for /api/chat.
type chatRequest struct {
	Content        string         `json:"content"`
	ConversationID string         `json:"conversationId"`
	Channel        string         `json:"channel"`
	ChatID         string         `json:"chatId"`
	SenderID       string         `json:"senderId"`
	MessageID      string         `json:"messageId"`
	Mode           string         `json:"mode"`
	Media          []string       `json:"media"`
	Metadata       map[string]any `json:"metadata"`
}

func (r chatRequest) envelope() bus.InboundEnvelope {
	channel := r.Channel
	if channel == "" {
		channel = "web"
	}
	chatID := r.ChatID
	if chatID == "" {
		chatID = r.SenderID
	}
	return bus.InboundEnvelope{
		Channel:        channel,
		SenderID:       r.SenderID,
		ChatID:         chatID,
		ConversationID: r.ConversationID,
		MessageID:      r.MessageID,
		Content:        r.Content,
		Media:          r.Media,
		Metadata:       r.Metadata,
		Timestamp:      time.Now(),
	}
}

// handleChat opens a stream (mode "stream", the default) or waits for the
// whole answer (mode "wait").
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		writeJSONError(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" && req.ChatID == "" && req.SenderID == "" {
		writeJSONError(w, "conversationId, chatId or senderId is required", http.StatusBadRequest)
		return
	}

	s.activeRequests.Add(1)
	start := time.Now()
	defer func() {
		s.activeRequests.Add(-1)
		s.totalRequests.Add(1)
		s.totalLatencyMs.Add(time.Since(start).Milliseconds())
	}()

	env := req.envelope()
	switch req.Mode {
	case "", "stream":
		streamID, err := s.gateway.OpenStream(r.Context(), env)
		if err != nil {
			s.logger.Error().Err(err).Str("conversation_id", env.ConversationKey()).Msg("open stream failed")
			writeJSONError(w, "failed to submit message", http.StatusServiceUnavailable)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]any{
			"streamId":       streamID,
			"conversationId": env.ConversationKey(),
		})
	case "wait":
		chunks, err := s.gateway.Ask(r.Context(), env)
		if err != nil {
			s.logger.Error().Err(err).Str("conversation_id", env.ConversationKey()).Msg("ask failed")
			writeJSONError(w, "failed to get a reply", http.StatusGatewayTimeout)
			return
		}
		writeJSON(w, map[string]any{
			"conversationId": env.ConversationKey(),
			"chunks":         chunks,
			"latencyMs":      time.Since(start).Milliseconds(),
		})
	default:
		writeJSONError(w, "mode must be stream or wait", http.StatusBadRequest)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	var wait time.Duration
	if v := r.URL.Query().Get("waitMs"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			writeJSONError(w, "waitMs must be a non-negative integer", http.StatusBadRequest)
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	res, err := s.gateway.Poll(r.Context(), streamID, wait)
	if err != nil {
		if errors.Is(err, ErrUnknownStream) {
			writeJSONError(w, "unknown stream", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.gateway.CloseConversation(id)
	writeJSON(w, map[string]any{"closed": id})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSON(w, map[string]any{"jobs": []any{}, "total": 0})
		return
	}
	jobs, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"jobs": jobs, "total": len(jobs)})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSONError(w, "scheduler not configured", http.StatusNotImplemented)
		return
	}
	id := r.PathValue("id")
	if err := s.jobs.RunNow(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"ran": id})
}

// handleWebhook routes platform callbacks. Errors other than failed
// verification are logged and acknowledged so the platform does not retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	s.webhookMu.RLock()
	h, ok := s.webhooks[platform]
	s.webhookMu.RUnlock()
	if !ok {
		writeJSONError(w, "unknown platform", http.StatusNotFound)
		return
	}
	logger := s.logger.With().Str("platform", platform).Logger()

	switch r.Method {
	case http.MethodGet:
		echo, err := h.HandleVerify(r.Context(), r.URL.Query())
		if err != nil {
			logger.Warn().Err(err).Msg("webhook verify rejected")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, echo)
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSONError(w, "read body", http.StatusBadRequest)
			return
		}
		resp, err := h.HandleCallback(r.Context(), body, r.URL.Query())
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				logger.Warn().Err(err).Msg("webhook callback rejected")
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			logger.Error().Err(err).Msg("webhook callback failed")
			resp = TextResponse("success")
		}
		writeWebhook(w, resp)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeWebhook(w http.ResponseWriter, resp WebhookResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// --- WebSocket ---

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) WriteCloseSafe(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text))
}

// wsEvent is one frame sent to a streaming client.
//
//	{"type": "fragment", "fragment": {...}}
//	{"type": "finished", "answer": "..."}
//	{"type": "error",    "error": "..."}
type wsEvent struct {
	Type     string              `json:"type"`
	StreamID string              `json:"streamId"`
	Fragment *bus.ResultFragment `json:"fragment,omitempty"`
	Answer   string              `json:"answer,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// handleWS streams one back-channel (?stream=<id>) to the client until the
// terminal fragment, then closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("stream")
	if streamID == "" {
		writeJSONError(w, "stream is required", http.StatusBadRequest)
		return
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{Conn: raw}
	logger := s.logger.With().Str("stream_id", streamID).Str("peer", r.RemoteAddr).Logger()
	logger.Debug().Msg("websocket connected")

	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		raw.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		logger.Debug().Msg("websocket disconnected")
	}()

	// Reader: only control frames and close detection.
	go func() {
		defer cancel()
		raw.SetReadDeadline(time.Now().Add(60 * time.Second))
		raw.SetPongHandler(func(string) error {
			raw.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := raw.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("websocket read")
				}
				return
			}
			raw.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}()

	for ctx.Err() == nil {
		res, err := s.gateway.Poll(ctx, streamID, 0)
		if err != nil {
			if ctx.Err() == nil {
				conn.WriteJSONSafe(wsEvent{Type: "error", StreamID: streamID, Error: err.Error()})
			}
			return
		}
		if len(res.Fragments) == 0 && !res.Finished {
			if err := conn.WritePing(); err != nil {
				return
			}
			continue
		}
		for i := range res.Fragments {
			if err := conn.WriteJSONSafe(wsEvent{Type: "fragment", StreamID: streamID, Fragment: &res.Fragments[i]}); err != nil {
				return
			}
		}
		if res.Finished {
			conn.WriteJSONSafe(wsEvent{Type: "finished", StreamID: streamID, Answer: res.Answer})
			conn.WriteCloseSafe(websocket.CloseNormalClosure, "finished")
			return
		}
	}
}

// closeAllWS closes all WebSocket connections (called on shutdown).
func (s *Server) closeAllWS() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for c := range s.wsConns {
		c.WriteCloseSafe(websocket.CloseGoingAway, "server shutdown")
		c.Close()
		delete(s.wsConns, c)
	}
}

// WSConnectionCount returns the number of active WebSocket connections.
func (s *Server) WSConnectionCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
