package services

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"chattered/internal/models"
)

// modelAPI answers generate calls the way the Gemini REST endpoint does and
// records the contents of every request.
type modelAPI struct {
	method  string
	stream  bool
	respond func(call int) string

	mu    sync.Mutex
	calls [][]sentContent
}

type sentContent struct {
	Role string
	Text string
}

func (a *modelAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, ":"+a.method) {
		http.NotFound(w, r)
		return
	}

	var req struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sent := make([]sentContent, 0, len(req.Contents))
	for _, c := range req.Contents {
		var text strings.Builder
		for _, p := range c.Parts {
			text.WriteString(p.Text)
		}
		sent = append(sent, sentContent{Role: c.Role, Text: text.String()})
	}

	a.mu.Lock()
	a.calls = append(a.calls, sent)
	call := len(a.calls)
	a.mu.Unlock()

	body := a.respond(call)
	if a.stream {
		body = "[" + body + "]"
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

func (a *modelAPI) requests() [][]sentContent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]sentContent(nil), a.calls...)
}

func textReply(text string) string {
	quoted, _ := json.Marshal(text)
	return `{"candidates":[{"content":{"role":"model","parts":[{"text":` + string(quoted) + `}]},"finishReason":"STOP"}]}`
}

const blockedPromptReply = `{"promptFeedback":{"blockReason":"SAFETY"}}`

func testModelConfig() models.ModelConfig {
	cfg := models.DefaultModelConfig()
	cfg.Model = "test-model"
	return cfg
}

var seedHistory = []models.Message{
	{Role: models.RoleUser, Text: "Hello"},
	{Role: models.RoleBot, Text: "Hi! How can I help?"},
}

func assertSeededRequest(t *testing.T, got []sentContent, input string) {
	t.Helper()

	want := []sentContent{
		{Role: "user", Text: "Hello"},
		{Role: "model", Text: "Hi! How can I help?"},
		{Role: "user", Text: input},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d contents, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("content %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}
