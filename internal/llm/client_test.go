package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/agent"
	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
)

type mockProvider struct {
	mu       sync.Mutex
	requests []completionRequest
	reply    string
	status   int
}

func setupMockProvider(t *testing.T, reply string) (*httptest.Server, *mockProvider) {
	t.Helper()
	p := &mockProvider{reply: reply, status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"bad key"}`))
			return
		}
		var body completionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.requests = append(p.requests, body)
		status, reply := p.status, p.reply
		p.mu.Unlock()

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, p
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL + "/v1/",
		APIKey:      "test-key",
		Model:       "test-model",
		Temperature: 0.2,
		MaxTokens:   256,
	}
}

func TestComplete(t *testing.T) {
	srv, p := setupMockProvider(t, "  hello there \n")
	c := NewClient(5 * time.Second)

	got, err := c.Complete(context.Background(), testConfig(srv.URL), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "hello there" {
		t.Errorf("content = %q", got)
	}
	req := p.requests[0]
	if req.Model != "test-model" || req.MaxTokens != 256 || req.Temperature != 0.2 || len(req.Messages) != 1 {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestComplete_Validation(t *testing.T) {
	c := NewClient(time.Second)
	cases := []struct {
		cfg  Config
		want string
	}{
		{Config{APIKey: "k", Model: "m"}, "baseUrl cannot be empty"},
		{Config{BaseURL: "http://x", Model: "m"}, "apiKey cannot be empty"},
		{Config{BaseURL: "http://x", APIKey: "k", Model: " "}, "model cannot be empty"},
	}
	for _, tc := range cases {
		_, err := c.Complete(context.Background(), tc.cfg, nil)
		if !errors.Is(err, apperr.ErrValidation) || err.Error() != tc.want {
			t.Errorf("Complete(%+v) error = %v, want %q", tc.cfg, err, tc.want)
		}
	}
}

func TestComplete_HTTPError(t *testing.T) {
	srv, _ := setupMockProvider(t, "unused")
	cfg := testConfig(srv.URL)
	cfg.APIKey = "wrong"

	_, err := NewClient(time.Second).Complete(context.Background(), cfg, nil)
	if !errors.Is(err, apperr.ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if !strings.Contains(err.Error(), "status=401") || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("error = %q", err)
	}
}

func TestComplete_EmptyContent(t *testing.T) {
	srv, _ := setupMockProvider(t, "   ")
	_, err := NewClient(time.Second).Complete(context.Background(), testConfig(srv.URL), nil)
	if !errors.Is(err, apperr.ErrRuntime) || !strings.Contains(err.Error(), "usable content") {
		t.Fatalf("got %v", err)
	}
}

func TestPlanner_Plan(t *testing.T) {
	srv, p := setupMockProvider(t, `{"reply":"ok","tool":{"kind":"none","command":""}}`)
	planner := NewPlanner(NewClient(time.Second), func() (Config, error) { return testConfig(srv.URL), nil })

	history := []agent.Message{
		{Role: agent.RoleUser, Content: "check disk"},
		{Role: agent.RoleTool, Content: "read_shell executed.", ToolKind: agent.ToolReadShell},
		{Role: agent.RoleAssistant, Content: "Disk is fine."},
	}
	raw, err := planner.Plan(context.Background(), agent.PlanRequest{SessionID: "s1", History: history, Question: "and memory?"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if d := agent.ParsePlan(raw); d.Reply != "ok" || d.Kind != agent.ToolNone {
		t.Errorf("unexpected decision: %+v", d)
	}

	msgs := p.requests[0].Messages
	if len(msgs) != 5 {
		t.Fatalf("expected system + 3 history + question, got %+v", msgs)
	}
	if msgs[0].Role != "system" || !strings.HasPrefix(msgs[0].Content, DefaultSystemPrompt) ||
		!strings.Contains(msgs[0].Content, "STRICT JSON") || !strings.HasSuffix(msgs[0].Content, "Current SSH session id: s1") {
		t.Errorf("unexpected system prompt: %q", msgs[0].Content)
	}
	if msgs[2].Role != "user" || msgs[2].Content != "[tool-result]\nread_shell executed." {
		t.Errorf("tool message not converted: %+v", msgs[2])
	}
	if msgs[4].Role != "user" || msgs[4].Content != "and memory?" {
		t.Errorf("question not last: %+v", msgs[4])
	}
}

func TestPlanner_PlanWithoutSession(t *testing.T) {
	srv, p := setupMockProvider(t, "fine")
	cfg := testConfig(srv.URL)
	cfg.SystemPrompt = "Be brief."
	planner := NewPlanner(NewClient(time.Second), func() (Config, error) { return cfg, nil })

	if _, err := planner.Plan(context.Background(), agent.PlanRequest{Question: "hi"}); err != nil {
		t.Fatal(err)
	}
	sys := p.requests[0].Messages[0].Content
	if !strings.HasPrefix(sys, "Be brief.\n\n") || !strings.HasSuffix(sys, "Current SSH session id: unavailable") {
		t.Errorf("unexpected system prompt: %q", sys)
	}
}

func TestPlanner_Summarize(t *testing.T) {
	srv, p := setupMockProvider(t, "All good.")
	planner := NewPlanner(NewClient(time.Second), func() (Config, error) { return testConfig(srv.URL), nil })

	got, err := planner.Summarize(context.Background(), agent.SummaryRequest{
		Kind:     agent.ToolReadShell,
		Command:  "uptime",
		ExitCode: 0,
		Output:   "stdout:\nup 3 days\n\nexitCode: 0",
	})
	if err != nil || got != "All good." {
		t.Fatalf("summarize = %q, %v", got, err)
	}
	msgs := p.requests[0].Messages
	want := "Tool execution result\nkind: read_shell\ncommand: uptime\nexitCode: 0\noutput:\nstdout:\nup 3 days\n\nexitCode: 0"
	if len(msgs) != 2 || msgs[1].Content != want {
		t.Errorf("unexpected messages: %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "concise operations answer in markdown") {
		t.Errorf("unexpected system prompt: %q", msgs[0].Content)
	}
}

func TestPlanner_ConfigError(t *testing.T) {
	planner := NewPlanner(NewClient(time.Second), func() (Config, error) {
		return Config{}, apperr.Runtime(nil, "load active ai profile")
	})
	if _, err := planner.Plan(context.Background(), agent.PlanRequest{Question: "hi"}); !errors.Is(err, apperr.ErrRuntime) {
		t.Errorf("got %v", err)
	}
}
