package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/conversation"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/intent"
	"ChainPilot/internal/message"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/storage/mysql"
	"ChainPilot/internal/task"
	"ChainPilot/internal/tools"
)

type fakeChat struct {
	err      error
	requests []agent.Request
	history  map[string][]mysql.HistoryRecord
}

func (f *fakeChat) ProcessMessage(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Result{
		Intent:         intent.ParsedIntent{Type: intent.TypeBalance, Confidence: 0.9},
		Response:       "you hold 1 ETH",
		ConversationID: "conv-1",
		Iterations:     2,
	}, nil
}

func (f *fakeChat) History(_ context.Context, id string, _ int) ([]mysql.HistoryRecord, error) {
	return f.history[id], nil
}

func (f *fakeChat) Forget(_ context.Context, id string) (int, error) {
	n := len(f.history[id])
	delete(f.history, id)
	return n, nil
}

type staticTools []tools.Definition

func (s staticTools) Tools() []tools.Definition { return s }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoint(t *testing.T) {
	chat := &fakeChat{}
	server := NewServer(":0", chat)

	rec := do(t, server.Handler(), http.MethodPost, "/api/v1/chat",
		`{"message":"what is my balance","caller_address":"0xabc","conversation_id":"conv-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got agent.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Response != "you hold 1 ETH" || got.Intent.Type != intent.TypeBalance {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(chat.requests) != 1 || chat.requests[0].Input != "what is my balance" || chat.requests[0].CallerAddress != "0xabc" {
		t.Fatalf("request not forwarded: %+v", chat.requests)
	}
	if meta := chat.requests[0].Metadata; meta[agent.MetaChannel] != agent.ChannelAPI || meta[agent.MetaSubject] != "" {
		t.Fatalf("unexpected request metadata: %v", meta)
	}

	rec = do(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"message":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestChatErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", xerrors.Wrap(xerrors.CodeOrchestration, xerrors.New(xerrors.CodeConfiguration, ""), ""), http.StatusInternalServerError},
		{"rate limited", xerrors.Wrap(xerrors.CodeOrchestration, xerrors.New(xerrors.CodeProviderRateLimit, ""), ""), http.StatusTooManyRequests},
		{"credential", xerrors.Wrap(xerrors.CodeOrchestration, xerrors.New(xerrors.CodeProviderCredential, ""), ""), http.StatusBadGateway},
		{"orchestration", xerrors.New(xerrors.CodeOrchestration, ""), http.StatusInternalServerError},
		{"orchestration over not found", xerrors.Wrap(xerrors.CodeOrchestration, xerrors.New(xerrors.CodeNotFound, "conversation gone"), ""), http.StatusInternalServerError},
		{"orchestration over invalid argument", xerrors.Wrap(xerrors.CodeOrchestration, xerrors.New(xerrors.CodeInvalidArgument, ""), ""), http.StatusInternalServerError},
		{"invalid prior messages", xerrors.New(xerrors.CodeInvalidArgument, "bad role"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(":0", &fakeChat{err: tc.err})
			rec := do(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"message":"hi"}`)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Code != string(xerrors.CodeOf(tc.err)) {
				t.Fatalf("unexpected code %q", body.Code)
			}
		})
	}
}

func TestJobEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	jobs := task.NewService(store, task.NewMemoryQueue(4), 3)
	server := NewServer(":0", &fakeChat{}, WithJobs(jobs))
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/jobs", `{"id":"job-1","message":"swap 1 eth","caller_address":"0xabc"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var job task.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != "job-1" || job.Status != task.StatusPending || job.MaxRetries != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/jobs/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/jobs", `{"message":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/jobs?status=pending&caller=0xABC", "")
	var list struct {
		Jobs []task.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Jobs) != 1 {
		t.Fatalf("unexpected list response %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/jobs?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestJobEndpointsDisabled(t *testing.T) {
	server := NewServer(":0", &fakeChat{})
	if rec := do(t, server.Handler(), http.MethodGet, "/api/v1/jobs/x", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	store := conversation.NewStore(conversation.Config{SweepInterval: -1})
	defer store.Close()
	live := store.Create("0xOwner")
	store.Update(live.ID, message.Message{Role: message.RoleUser, Content: "hello"})
	other := store.Create("0xowner")

	chat := &fakeChat{history: map[string][]mysql.HistoryRecord{
		"archived": {{ID: 1, ConversationID: "archived", Role: "user", Content: "old"}},
	}}
	server := NewServer(":0", chat, WithConversations(store))
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/conversations/"+live.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Context == nil || len(resp.Context.Messages) != 1 {
		t.Fatalf("expected live context, got %+v", resp)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/conversations/archived", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	resp = conversationResponse{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Context != nil || len(resp.History) != 1 {
		t.Fatalf("expected history only, got %+v", resp)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/conversations/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/conversations/archived", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"history_deleted":1`) {
		t.Fatalf("unexpected delete response %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, h, http.MethodDelete, "/api/v1/conversations", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodDelete, "/api/v1/conversations?owner=0xOWNER", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cleared":2`) {
		t.Fatalf("unexpected owner delete response %d %s", rec.Code, rec.Body.String())
	}
	if _, ok := store.Get(other.ID); ok {
		t.Fatalf("owner conversations should be cleared")
	}
}

func TestToolsStatsAndMetrics(t *testing.T) {
	store := conversation.NewStore(conversation.Config{SweepInterval: -1})
	defer store.Close()
	store.Create("0xabc")

	fast := cache.New[string](cache.Config{Name: "fast", SweepInterval: -1})
	defer fast.Close()
	fast.Set("k", "v")

	collector := metrics.NewCollector(false)
	server := NewServer(":0", &fakeChat{},
		WithConversations(store),
		WithTools(staticTools{{Name: "get_balance", Description: "balance lookup"}}),
		WithCaches(fast),
		WithJobs(task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(1), 3)),
		WithMetrics(collector),
	)
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tools", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"get_balance"`) {
		t.Fatalf("unexpected tools response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/stats", "")
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Conversations == nil || stats.Conversations.Contexts != 1 {
		t.Fatalf("unexpected conversation stats: %+v", stats.Conversations)
	}
	if stats.Caches["fast"].Size != 1 || stats.Jobs == nil {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `chainpilot_http_requests_total{code="200",handler="/api/v1/tools",method="GET"} 1`) {
		t.Fatalf("http metrics missing:\n%s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	server := NewServer(":0", nil)
	if rec := do(t, server.Handler(), http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec := do(t, server.Handler(), http.MethodPost, "/api/v1/chat", `{"message":"hi"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without chat service, got %d", rec.Code)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	keyring, err := auth.NewKeyring([]auth.Key{{Name: "ops", Value: "cp-ops"}})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	chat := &fakeChat{}
	server := NewServer(":0", chat, WithAuth(keyring))
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/chat", `{"message":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != string(auth.CodeUnauthenticated) {
		t.Fatalf("unexpected code %q", body.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer cp-ops")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer key, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(chat.requests) != 1 {
		t.Fatalf("expected one chat request, got %d", len(chat.requests))
	}
	if subject := chat.requests[0].Metadata[agent.MetaSubject]; subject != "ops" {
		t.Fatalf("expected subject ops in metadata, got %q", subject)
	}

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}
