package hosted_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/modelgate"
	"github.com/studyloop/modelgate/connector/hosted"
)

func completionsServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate_Success(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "42"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 1, "total_tokens": 13}
		}`))
	})

	c := hosted.New("hosted-openai", srv.URL, "sk-test", hosted.WithDefaultModel("gpt-4o-mini"))
	res, err := c.Generate(context.Background(), modelgate.GenerateRequest{
		Prompt: "what is the answer?",
		History: []modelgate.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		Options: modelgate.GenerateOptions{Temperature: modelgate.Float64Ptr(0.2)},
	})
	require.NoError(t, err)

	assert.Equal(t, "42", res.Text)
	assert.Equal(t, "gpt-4o-mini", res.ModelID)
	require.NotNil(t, res.Usage)
	assert.EqualValues(t, 13, res.Usage.TotalTokens)
	assert.Greater(t, res.Latency, time.Duration(0))

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 3, "history turns precede the prompt")
	last := msgs[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	assert.Equal(t, "what is the answer?", last["content"])
}

func TestGenerate_EstimatesMissingUsage(t *testing.T) {
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model": "llama3", "choices": [{"message": {"role": "assistant", "content": "local reply"}}]}`))
	})

	c := hosted.New("local", srv.URL, "")
	res, err := c.Generate(context.Background(), modelgate.GenerateRequest{Prompt: "hello there"})
	require.NoError(t, err)

	require.NotNil(t, res.Usage)
	assert.Positive(t, res.Usage.PromptTokens)
	assert.Positive(t, res.Usage.CompletionTokens)
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)
}

func TestGenerate_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"429 is provider quota", http.StatusTooManyRequests, `{"error": "rate limit"}`, modelgate.ErrProviderQuota},
		{"quota body is provider quota", http.StatusPaymentRequired, `{"error": "monthly quota exceeded"}`, modelgate.ErrProviderQuota},
		{"400 is invalid request", http.StatusBadRequest, `{"error": "bad model"}`, modelgate.ErrInvalidRequest},
		{"401 is invalid request", http.StatusUnauthorized, `{"error": "bad key"}`, modelgate.ErrInvalidRequest},
		{"503 is unavailable", http.StatusServiceUnavailable, `upstream down`, modelgate.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			c := hosted.New("hosted-openai", srv.URL, "sk-test")
			_, err := c.Generate(context.Background(), modelgate.GenerateRequest{Prompt: "hi"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGenerate_FatalVersusRetryable(t *testing.T) {
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	c := hosted.New("hosted-openai", srv.URL, "sk-test")
	_, err := c.Generate(context.Background(), modelgate.GenerateRequest{Prompt: "hi"})
	assert.True(t, modelgate.IsFatal(err))
	assert.False(t, modelgate.IsRetryable(err))
}

func TestGenerate_Timeout(t *testing.T) {
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := hosted.New("hosted-openai", srv.URL, "sk-test")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, modelgate.GenerateRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, modelgate.ErrBackendTimeout)
}

func TestGenerate_EmptyChoices(t *testing.T) {
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model": "m", "choices": []}`))
	})

	c := hosted.New("hosted-openai", srv.URL, "sk-test")
	_, err := c.Generate(context.Background(), modelgate.GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty choices")
}

func TestProbe_ListsModels(t *testing.T) {
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		w.Write([]byte(`{"data": [{"id": "gpt-4o"}, {"id": "gpt-4o-mini"}]}`))
	})

	c := hosted.New("hosted-openai", srv.URL, "sk-test")
	res, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, res.Models)
}

func TestProbe_UnparsableBodyStillAvailable(t *testing.T) {
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`Ollama is running`))
	})

	c := hosted.New("local", srv.URL, "")
	res, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Available)
}

func TestProbe_ErrorStatus(t *testing.T) {
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := hosted.New("hosted-openai", srv.URL, "bad-key")
	res, err := c.Probe(context.Background())
	assert.False(t, res.Available)
	assert.ErrorIs(t, err, modelgate.ErrInvalidRequest)
}

func TestProbe_NoAuthHeaderWithoutKey(t *testing.T) {
	var gotAuth string
	srv := completionsServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"data": []}`))
	})

	c := hosted.New("local", srv.URL, "")
	_, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}
