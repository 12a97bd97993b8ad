package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

func TestOpenAIProviderComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Equal(t, "user", req.Messages[1].Role)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "c1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]interface{}{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "  Try the noodle bar.  "}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 5, "total_tokens": 10},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()}, zaptest.NewLogger(t))
	out, err := p.Complete(context.Background(), "dinner?", Options{System: "be brief", MaxTokens: 50})
	require.NoError(t, err)
	assert.Equal(t, "Try the noodle bar.", out)
}

func TestOpenAIProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream","type":"server_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()}, zaptest.NewLogger(t))
	_, err := p.Complete(context.Background(), "dinner?", Options{})
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}

func TestEchoProvider(t *testing.T) {
	e := &EchoProvider{}
	out, err := e.Complete(context.Background(), "context line\nlatest question", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Noted: latest question", out)

	fixed := &EchoProvider{Reply: "ok"}
	out, err = fixed.Complete(context.Background(), "x", Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Complete(ctx, "x", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
