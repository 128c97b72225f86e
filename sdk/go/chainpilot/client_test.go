package chainpilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080/api"); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}

func TestChatSendsAPIKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer cp-ops" {
			t.Errorf("unexpected authorization %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ChatResponse{
			Intent:         Intent{Type: "balance_query", Confidence: 0.9},
			Response:       "echo: " + req.Message,
			ConversationID: "conv-1",
			Iterations:     1,
		})
	}, WithAPIKey("cp-ops"))

	resp, err := client.Chat(context.Background(), ChatRequest{Message: "hi", CallerAddress: "0xabc"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Response != "echo: hi" || resp.ConversationID != "conv-1" || resp.Intent.Type != "balance_query" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"job not found","code":"JOB_NOT_FOUND","retryable":false}`))
	})

	_, err := client.GetJob(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" || apiErr.Message != "job not found" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected IsNotFound")
	}
}

func TestAPIErrorPlainBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	_, err := client.Tools(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "upstream down" || apiErr.Code != "" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestListJobsEncodesFilter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "pending,failed" || q.Get("caller") != "0xabc" ||
			q.Get("limit") != "5" || q.Get("order") != "asc" || q.Has("offset") {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": []Job{{ID: "a", Status: JobPending}}})
	})

	jobs, err := client.ListJobs(context.Background(), JobFilter{
		Statuses:      []string{JobPending, JobFailed},
		CallerAddress: "0xabc",
		Limit:         5,
		Ascending:     true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "a" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestSubmitAndWaitForJob(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: JobPending})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/jobs/job-1":
			job := Job{ID: "job-1", Status: JobRunning}
			if polls.Add(1) >= 3 {
				job.Status = JobSucceeded
				job.Result = &ChatResponse{Response: "done"}
			}
			_ = json.NewEncoder(w).Encode(job)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := client.SubmitJob(ctx, JobRequest{Message: "hi", CallerAddress: "0xabc"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != "job-1" || job.Terminal() {
		t.Fatalf("unexpected submitted job %+v", job)
	}

	done, err := client.WaitForJob(ctx, job.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != JobSucceeded || done.Result == nil || done.Result.Response != "done" {
		t.Fatalf("unexpected final job %+v", done)
	}
}

func TestWaitForJobHonoursContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: JobRunning})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	job, err := client.WaitForJob(ctx, "job-1", 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if job == nil || job.Status != JobRunning {
		t.Fatalf("expected last seen job, got %+v", job)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/conversations/conv-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(Conversation{
				ID:      "conv-1",
				Context: &ConversationContext{ID: "conv-1", OwnerAddress: "0xabc", Messages: []Message{{Role: "user", Content: "hi"}}},
				History: []HistoryRecord{{ID: 1, ConversationID: "conv-1", Role: "user", Content: "hi"}},
			})
		case http.MethodDelete:
			_ = json.NewEncoder(w).Encode(ClearResult{Cleared: true, HistoryDeleted: 1})
		}
	})

	conv, err := client.Conversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.Context == nil || len(conv.Context.Messages) != 1 || len(conv.History) != 1 {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	cleared, err := client.DeleteConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !cleared.Cleared || cleared.HistoryDeleted != 1 {
		t.Fatalf("unexpected clear result %+v", cleared)
	}
}
