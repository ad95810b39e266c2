package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestChatSuccess(t *testing.T) {
	type captured struct {
		Authorization string
		Path          string
		Body          struct {
			Model       string        `json:"model"`
			Temperature float64       `json:"temperature"`
			Messages    []llm.Message `json:"messages"`
		}
	}
	got := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c captured
		c.Authorization = r.Header.Get("Authorization")
		c.Path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&c.Body)
		got <- c
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"status\":\"success\"}"}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "test-model", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleAssistant, Content: "prompt"},
		{Role: llm.RoleUser, Content: "what is my balance?"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content() != `{"status":"success"}` {
		t.Fatalf("unexpected content: %q", resp.Content())
	}

	c := <-got
	if c.Authorization != "Bearer test" || c.Path != "/v1/chat/completions" {
		t.Fatalf("unexpected request: %+v", c)
	}
	if c.Body.Model != "test-model" || c.Body.Temperature != 0.2 {
		t.Fatalf("unexpected body: %+v", c.Body)
	}
	if len(c.Body.Messages) != 2 || c.Body.Messages[0].Role != "assistant" || c.Body.Messages[1].Content != "what is my balance?" {
		t.Fatalf("unexpected messages: %+v", c.Body.Messages)
	}
}

func TestChatSendsExplicitZeroTemperature(t *testing.T) {
	temps := make(chan *float64, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Temperature *float64 `json:"temperature"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		temps <- body.Temperature
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	zero := 0.0
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "m", Timeout: time.Second, Temperature: &zero})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got := <-temps; got == nil || *got != 0 {
		t.Fatalf("expected temperature 0 to be sent, got %v", got)
	}
}

func TestChatErrorStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if xerrors.CodeOf(err) != xerrors.CodeLLMFailure {
		t.Fatalf("expected LLM_FAILURE, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("400 responses must not be retried, got %d calls", calls.Load())
	}
}

func TestChatRejectsUnknownRole(t *testing.T) {
	client, _ := NewClient(Config{APIKey: "test", BaseURL: "http://127.0.0.1:1"})
	if _, err := client.Chat(context.Background(), []llm.Message{{Role: "tool", Content: "x"}}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := client.Chat(context.Background(), nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for empty conversation, got %v", err)
	}
}
