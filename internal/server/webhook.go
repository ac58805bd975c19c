package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

// DefaultSignatureHeader carries the webhook HMAC when the config does not
// name one. GitHub senders use X-Hub-Signature-256 instead.
const DefaultSignatureHeader = "X-Grapnel-Signature"

var (
	ErrMissingSignature       = errors.New("missing signature header")
	ErrInvalidSignatureFormat = errors.New("signature is not valid hex")
	ErrSignatureMismatch      = errors.New("signature mismatch")
)

// handleWebhook triggers the hooks bound to a named webhook endpoint. The
// request body becomes the "payload" context value, so conditions and hook
// commands can inspect it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	wh, ok := s.webhooks[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxExecuteBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	if wh.Secret != "" {
		header := wh.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}
		if err := verifySignature([]byte(wh.Secret), body, r.Header.Get(header)); err != nil {
			log.Warn().
				Str("webhook", name).
				Err(err).
				Msg("Webhook signature verification failed")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	names, err := s.registry.Match(wh.Hooks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(names) == 0 {
		log.Warn().Str("webhook", name).Msg("Webhook matched no registered hooks")
		writeJSON(w, http.StatusOK, executeResponse{Results: []hooks.Result{}, Count: 0})
		return
	}

	execCtx := make(map[string]any, len(wh.Context)+2)
	for k, v := range wh.Context {
		execCtx[k] = v
	}
	execCtx["webhook"] = name
	if len(body) > 0 {
		var payload any
		if err := json.Unmarshal(body, &payload); err == nil {
			execCtx["payload"] = payload
		} else {
			execCtx["payload"] = string(body)
		}
	}

	results, err := s.engine.Execute(r.Context(), hooks.Batch{
		Hooks:   names,
		Context: execCtx,
		Source:  "webhook",
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	log.Info().
		Str("webhook", name).
		Int("hooks", len(results)).
		Msg("Webhook triggered hook batch")

	writeJSON(w, http.StatusOK, executeResponse{Results: results, Count: len(results)})
}

// verifySignature checks a hex HMAC-SHA256 signature over body. An
// algorithm prefix ("sha256=...") is stripped first, so GitHub-style
// signatures verify as-is. The comparison is constant time.
func verifySignature(secret, body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if i := strings.IndexByte(signature, '='); i >= 0 {
		signature = signature[i+1:]
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignatureFormat
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrSignatureMismatch
	}
	return nil
}
