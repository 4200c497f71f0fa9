package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/store"
)

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	nop := zerolog.Nop()
	return NewServer(ServerConfig{
		Port:       0,
		APIKey:     apiKey,
		InstanceID: "test-instance",
		Gateway:    newTestGateway(t, echoReply),
		Logger:     &nop,
	})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["instanceId"] != "test-instance" {
		t.Errorf("instanceId = %v", body["instanceId"])
	}
}

func TestHandleStatus_NoAuth(t *testing.T) {
	s := newTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleStatus_WithAuth(t *testing.T) {
	s := newTestServer(t, "secret-key")
	s.stats = map[string]StatsProvider{"queues": s.gateway.Registry()}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if _, ok := body["queues"]; !ok {
		t.Errorf("status body missing queues: %v", body)
	}
}

func TestHandleStatus_TokenQuery(t *testing.T) {
	s := newTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/status?token=secret-key", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandleChat_EmptyContent(t *testing.T) {
	s := newTestServer(t, "")
	body := `{"content":"","chatId":"c1"}`
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader("{"))
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleChat_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest("GET", "/api/chat", nil)
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHandleChat_StreamThenPoll(t *testing.T) {
	s := newTestServer(t, "")
	body := `{"content":"hello","chatId":"c1","senderId":"u1"}`
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var opened map[string]string
	json.NewDecoder(w.Body).Decode(&opened)
	streamID := opened["streamId"]
	if streamID == "" {
		t.Fatal("missing streamId")
	}
	if opened["conversationId"] != "web:c1" {
		t.Errorf("conversationId = %q, want web:c1", opened["conversationId"])
	}

	var answer string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && answer == "" {
		req := httptest.NewRequest("GET", "/api/stream/"+streamID+"?waitMs=20", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("poll status = %d", w.Code)
		}
		var res PollResult
		json.NewDecoder(w.Body).Decode(&res)
		if res.Finished {
			answer = res.Answer
		}
	}
	if answer != "echo: hello" {
		t.Errorf("answer = %q, want %q", answer, "echo: hello")
	}

	// Late poll sees the finished marker instead of a 404.
	req = httptest.NewRequest("GET", "/api/stream/"+streamID, nil)
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	var late PollResult
	json.NewDecoder(w.Body).Decode(&late)
	if w.Code != http.StatusOK || late.Status != StatusFinished {
		t.Errorf("late poll = %d %q, want 200 finished", w.Code, late.Status)
	}
}

func TestHandleChat_Wait(t *testing.T) {
	s := newTestServer(t, "")
	body := `{"content":"hi","chatId":"c2","mode":"wait"}`
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var res struct {
		Chunks []string `json:"chunks"`
	}
	json.NewDecoder(w.Body).Decode(&res)
	if len(res.Chunks) != 1 || res.Chunks[0] != "echo: hi" {
		t.Errorf("chunks = %v", res.Chunks)
	}
}

func TestHandleChat_BadMode(t *testing.T) {
	s := newTestServer(t, "")
	body := `{"content":"hi","chatId":"c2","mode":"batch"}`
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleStream_Unknown(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest("GET", "/api/stream/nope", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleStream_BadWait(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest("GET", "/api/stream/x?waitMs=soon", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleCloseConversation(t *testing.T) {
	s := newTestServer(t, "")
	s.gateway.Registry().GetOrCreateBack("s1", "web:c1")

	req := httptest.NewRequest("DELETE", "/api/conversations/web:c1", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if s.gateway.Registry().HasBack("s1") {
		t.Error("stream s1 still open")
	}
}

type fakeJobs struct {
	jobs []*store.Job
	ran  []string
}

func (f *fakeJobs) ListJobs(context.Context) ([]*store.Job, error) { return f.jobs, nil }

func (f *fakeJobs) RunNow(_ context.Context, id string) error {
	for _, j := range f.jobs {
		if j.ID == id {
			f.ran = append(f.ran, id)
			return nil
		}
	}
	return errors.Wrapf(store.ErrNotFound, "job %s", id)
}

func TestHandleJobs(t *testing.T) {
	s := newTestServer(t, "")
	jobs := &fakeJobs{jobs: []*store.Job{{ID: "j1", Name: "daily", CronExpr: "@daily"}}}
	s.jobs = jobs

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	var body struct {
		Total int `json:"total"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if body.Total != 1 {
		t.Errorf("total = %d, want 1", body.Total)
	}

	req = httptest.NewRequest("POST", "/api/jobs/j1/run", nil)
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(jobs.ran) != 1 {
		t.Errorf("run j1 = %d ran=%v", w.Code, jobs.ran)
	}

	req = httptest.NewRequest("POST", "/api/jobs/nope/run", nil)
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("run nope = %d, want 404", w.Code)
	}
}

func TestHandleRunJob_NoScheduler(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest("POST", "/api/jobs/j1/run", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}

type fakeWebhook struct {
	err  error
	resp WebhookResponse
	body string
}

func (f *fakeWebhook) Name() string { return "fake" }

func (f *fakeWebhook) HandleVerify(_ context.Context, q url.Values) (string, error) {
	if q.Get("token") != "ok" {
		return "", ErrUnauthorized
	}
	return q.Get("echostr"), nil
}

func (f *fakeWebhook) HandleCallback(_ context.Context, body []byte, _ url.Values) (WebhookResponse, error) {
	f.body = string(body)
	return f.resp, f.err
}

func TestHandleWebhook(t *testing.T) {
	s := newTestServer(t, "secret-key")
	hook := &fakeWebhook{resp: TextResponse("reply")}
	s.RegisterWebhook(hook)

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		err      error
		wantCode int
		wantBody string
	}{
		{"verify ok", "GET", "/webhook/fake?token=ok&echostr=abc", "", nil, 200, "abc"},
		{"verify rejected", "GET", "/webhook/fake?token=bad", "", nil, 403, ""},
		{"callback reply", "POST", "/webhook/fake", "<xml/>", nil, 200, "reply"},
		{"callback unauthorized", "POST", "/webhook/fake", "<xml/>", ErrUnauthorized, 403, ""},
		{"callback failure acked", "POST", "/webhook/fake", "<xml/>", errors.New("boom"), 200, "success"},
		{"unknown platform", "POST", "/webhook/other", "", nil, 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook.err = tt.err
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.mux.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
	if hook.body != "<xml/>" {
		t.Errorf("callback body = %q", hook.body)
	}
}

func TestHandleWS_StreamsFragments(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	streamID, err := s.gateway.OpenStream(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c1", Content: "ws"})
	if err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?stream=" + streamID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var events []wsEvent
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		events = append(events, ev)
		if ev.Type == "finished" {
			break
		}
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4 (%v)", len(events), events)
	}
	if events[3].Answer != "echo: ws" {
		t.Errorf("answer = %q", events[3].Answer)
	}
}

func TestHandleWS_MissingStream(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest("GET", "/ws", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
