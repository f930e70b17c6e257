package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedProvider struct {
	calls   atomic.Int32
	errs    []error
	reply   string
	lastMsg []Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	n := int(p.calls.Add(1)) - 1
	p.lastMsg = append([]Message(nil), messages...)
	if n < len(p.errs) && p.errs[n] != nil {
		return "", p.errs[n]
	}
	return p.reply, nil
}

func (p *scriptedProvider) ModelName() string { return "fake-model" }

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestGenerate_RendersPromptAndTrims(t *testing.T) {
	p := &scriptedProvider{reply: "  summary text \n"}
	g := NewGenerator(p, fastPolicy())

	out, err := g.Generate(context.Background(), GitHubCommitSummary, DigestVars{Digest: "commit message: fix"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Text != "summary text" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if out.Model != "fake-model" {
		t.Fatalf("unexpected model: %q", out.Model)
	}
	if !strings.Contains(out.Prompt, "commit message: fix") {
		t.Fatalf("prompt missing digest: %q", out.Prompt)
	}
	if len(p.lastMsg) != 1 || p.lastMsg[0].Role != RoleUser || p.lastMsg[0].Content != out.Prompt {
		t.Fatalf("unexpected messages: %+v", p.lastMsg)
	}
}

func TestGenerate_RetriesTimeouts(t *testing.T) {
	p := &scriptedProvider{
		errs:  []error{context.DeadlineExceeded, context.DeadlineExceeded},
		reply: "ok",
	}
	g := NewGenerator(p, fastPolicy())

	out, err := g.Generate(context.Background(), JiraIssueSummary, DigestVars{Digest: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Text != "ok" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if got := p.calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestGenerate_GivesUpAfterAttempts(t *testing.T) {
	p := &scriptedProvider{
		errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, nil},
	}
	g := NewGenerator(p, fastPolicy())

	_, err := g.Generate(context.Background(), SlackMessageSummary, DigestVars{Digest: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if got := p.calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestGenerate_DoesNotRetryOtherErrors(t *testing.T) {
	boom := &StatusError{Provider: "ollama", Code: 500}
	p := &scriptedProvider{errs: []error{boom}, reply: "never"}
	g := NewGenerator(p, fastPolicy())

	_, err := g.Generate(context.Background(), GitHubCommitSummary, DigestVars{Digest: "x"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Fatalf("expected status error, got %v", err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}

func TestGenerate_EmptyCompletion(t *testing.T) {
	p := &scriptedProvider{reply: "   "}
	g := NewGenerator(p, fastPolicy())

	_, err := g.Generate(context.Background(), GitHubCommitSummary, DigestVars{Digest: "x"})
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestGenerate_PerCallTimeoutIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": "late but fine"}})
	}))
	defer srv.Close()

	policy := fastPolicy()
	policy.CallTimeout = 50 * time.Millisecond
	g := NewGenerator(NewOllamaProvider(srv.URL, "m"), policy)

	out, err := g.Generate(context.Background(), GitHubCommitSummary, DigestVars{Digest: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Text != "late but fine" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 hits, got %d", hits.Load())
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded must be a timeout")
	}
	if IsTimeout(context.Canceled) {
		t.Fatalf("cancellation is not a timeout")
	}
	if IsTimeout(errors.New("boom")) {
		t.Fatalf("plain error is not a timeout")
	}
}

func TestPrompt_MissingVariableFails(t *testing.T) {
	if _, err := GitHubCommitSummary.Render(map[string]string{}); err == nil {
		t.Fatalf("expected error for missing Digest")
	}
}
