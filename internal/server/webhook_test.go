package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/perfectuser21/grapnel/internal/config"
	"github.com/perfectuser21/grapnel/internal/hooks"
)

const webhookSecret = "webhook-signing-secret"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"push","ref":"refs/heads/main"}`)
	valid := signBody(webhookSecret, body)

	tests := []struct {
		name      string
		signature string
		wantErr   error
	}{
		{
			name:      "valid raw hex",
			signature: valid,
		},
		{
			name:      "valid with sha256 prefix",
			signature: "sha256=" + valid,
		},
		{
			name:      "missing signature",
			signature: "",
			wantErr:   ErrMissingSignature,
		},
		{
			name:      "not hex",
			signature: "sha256=not-hex-at-all",
			wantErr:   ErrInvalidSignatureFormat,
		},
		{
			name:      "wrong mac",
			signature: signBody("other-secret", body),
			wantErr:   ErrSignatureMismatch,
		},
		{
			name:      "signature over different body",
			signature: signBody(webhookSecret, []byte("tampered")),
			wantErr:   ErrSignatureMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifySignature([]byte(webhookSecret), body, tt.signature)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("verifySignature() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("verifySignature() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func postWebhook(t *testing.T, h http.Handler, target string, body []byte, headers map[string]string, wantStatus int) []byte {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != wantStatus {
		t.Fatalf("POST %s status = %d, want %d (body: %s)", target, rec.Code, wantStatus, rec.Body.String())
	}
	return rec.Body.Bytes()
}

func TestWebhookTrigger(t *testing.T) {
	srv, runner := newTestServer(t, defaultServerConfig(), WithWebhooks([]config.WebhookConfig{
		{Name: "github-push", Secret: webhookSecret, Hooks: []string{"notify-slack"}},
	}))

	body := []byte(`{"ref": "refs/heads/main"}`)
	respBody := postWebhook(t, srv.Handler(), "/webhooks/github-push", body, map[string]string{
		DefaultSignatureHeader: signBody(webhookSecret, body),
	}, http.StatusOK)

	var resp executeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("Unmarshaling response failed: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if !resp.Results[0].Success {
		t.Errorf("result not successful: %+v", resp.Results[0])
	}
	if runner.callCount() != 1 {
		t.Errorf("runner calls = %d, want 1", runner.callCount())
	}
}

func TestWebhookGitHubStyleSignature(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig(), WithWebhooks([]config.WebhookConfig{
		{
			Name:            "gh",
			Secret:          webhookSecret,
			SignatureHeader: "X-Hub-Signature-256",
			Hooks:           []string{"deploy-*"},
		},
	}))

	body := []byte(`{"action": "published"}`)
	postWebhook(t, srv.Handler(), "/webhooks/gh", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + signBody(webhookSecret, body),
	}, http.StatusOK)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, runner := newTestServer(t, defaultServerConfig(), WithWebhooks([]config.WebhookConfig{
		{Name: "gh", Secret: webhookSecret, Hooks: []string{"notify-slack"}},
	}))

	body := []byte(`{"ref": "refs/heads/main"}`)

	// Missing header.
	postWebhook(t, srv.Handler(), "/webhooks/gh", body, nil, http.StatusUnauthorized)

	// Signed with the wrong secret.
	postWebhook(t, srv.Handler(), "/webhooks/gh", body, map[string]string{
		DefaultSignatureHeader: signBody("wrong-secret", body),
	}, http.StatusUnauthorized)

	if runner.callCount() != 0 {
		t.Errorf("runner calls = %d, want 0 for rejected requests", runner.callCount())
	}
}

func TestWebhookUnknownName(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig(), WithWebhooks([]config.WebhookConfig{
		{Name: "gh", Secret: webhookSecret, Hooks: []string{"notify-slack"}},
	}))

	postWebhook(t, srv.Handler(), "/webhooks/nope", []byte(`{}`), nil, http.StatusNotFound)
}

func TestWebhookWithoutSecretAcceptsUnsigned(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig(), WithWebhooks([]config.WebhookConfig{
		{Name: "open", Hooks: []string{"notify-slack"}},
	}))

	postWebhook(t, srv.Handler(), "/webhooks/open", []byte(`{"n": 1}`), nil, http.StatusOK)
}

type captureRunner struct {
	mu   sync.Mutex
	invs []hooks.Invocation
}

func (c *captureRunner) Run(ctx context.Context, inv hooks.Invocation) (hooks.RunOutput, error) {
	c.mu.Lock()
	c.invs = append(c.invs, inv)
	c.mu.Unlock()
	return hooks.RunOutput{Stdout: "ok"}, nil
}

func TestWebhookPayloadBecomesContext(t *testing.T) {
	runner := &captureRunner{}
	registry, err := hooks.NewRegistry([]hooks.Config{
		{Name: "notify-slack", Command: "notify.sh"},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	engine, err := hooks.NewEngine(registry, hooks.Options{
		Workers:        2,
		RetryBaseDelay: time.Millisecond,
		Runner:         runner,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	srv := New(defaultServerConfig(), engine, registry, WithWebhooks([]config.WebhookConfig{
		{
			Name:    "release",
			Hooks:   []string{"notify-slack"},
			Context: map[string]any{"channel": "#releases"},
		},
	}))

	body := []byte(`{"tag": "v1.4.2"}`)
	postWebhook(t, srv.Handler(), "/webhooks/release", body, nil, http.StatusOK)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.invs) != 1 {
		t.Fatalf("invocations = %d, want 1", len(runner.invs))
	}
	got := runner.invs[0].Context

	if got["webhook"] != "release" {
		t.Errorf(`context["webhook"] = %v, want "release"`, got["webhook"])
	}
	if got["channel"] != "#releases" {
		t.Errorf(`context["channel"] = %v, want "#releases"`, got["channel"])
	}
	payload, ok := got["payload"].(map[string]any)
	if !ok {
		t.Fatalf(`context["payload"] = %T, want decoded JSON object`, got["payload"])
	}
	if payload["tag"] != "v1.4.2" {
		t.Errorf(`payload["tag"] = %v, want "v1.4.2"`, payload["tag"])
	}
}
