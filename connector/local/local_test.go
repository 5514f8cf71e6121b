package local_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/modelgate"
	"github.com/studyloop/modelgate/connector/local"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInference is a minimal OpenAI-compatible endpoint that replies with a
// fixed text so tests can tell endpoints apart.
func fakeInference(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			fmt.Fprint(w, `{"data":[{"id":"llama3"}]}`)
		case "/chat/completions":
			fmt.Fprintf(w, `{"model":"llama3","choices":[{"message":{"role":"assistant","content":%q}}]}`, reply)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSetUserEndpoint_ProbesAndServes(t *testing.T) {
	srv := fakeInference(t, "reply from u1's box")
	p := local.New("", local.WithLogger(quietLogger()))
	defer p.Close()

	res, err := p.SetUserEndpoint(context.Background(), "u1", srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Contains(t, res.Models, "llama3")

	out, err := p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "reply from u1's box", out.Text)
}

func TestSetUserEndpoint_EmptyURL(t *testing.T) {
	p := local.New("", local.WithLogger(quietLogger()))
	defer p.Close()

	_, err := p.SetUserEndpoint(context.Background(), "u1", "")
	assert.ErrorIs(t, err, modelgate.ErrInvalidRequest)
}

func TestSetUserEndpoint_UnreachableProbeIsNotAnError(t *testing.T) {
	p := local.New("", local.WithLogger(quietLogger()))
	defer p.Close()

	// The endpoint is stored even when the probe fails; the user may start
	// their server later.
	res, err := p.SetUserEndpoint(context.Background(), "u1", "http://127.0.0.1:1")
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Equal(t, 1, p.Len())
}

func TestGenerate_UsersAreIsolated(t *testing.T) {
	srv1 := fakeInference(t, "box one")
	srv2 := fakeInference(t, "box two")
	p := local.New("", local.WithLogger(quietLogger()))
	defer p.Close()

	_, err := p.SetUserEndpoint(context.Background(), "u1", srv1.URL)
	require.NoError(t, err)
	_, err = p.SetUserEndpoint(context.Background(), "u2", srv2.URL)
	require.NoError(t, err)

	out1, err := p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)
	out2, err := p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "u2", Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "box one", out1.Text)
	assert.Equal(t, "box two", out2.Text)
}

func TestGenerate_FallsBackToDefaultURL(t *testing.T) {
	srv := fakeInference(t, "shared default")
	p := local.New(srv.URL, local.WithLogger(quietLogger()))
	defer p.Close()

	out, err := p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "drifter", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "shared default", out.Text)
}

func TestGenerate_NoEndpointForUser(t *testing.T) {
	p := local.New("", local.WithLogger(quietLogger()))
	defer p.Close()

	_, err := p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "u1", Prompt: "hi"})
	assert.ErrorIs(t, err, modelgate.ErrBackendUnavailable)
}

func TestSetUserEndpoint_ReplacementKeepsOneEntry(t *testing.T) {
	srv1 := fakeInference(t, "old box")
	srv2 := fakeInference(t, "new box")
	p := local.New("", local.WithLogger(quietLogger()))
	defer p.Close()

	_, err := p.SetUserEndpoint(context.Background(), "u1", srv1.URL)
	require.NoError(t, err)
	_, err = p.SetUserEndpoint(context.Background(), "u1", srv2.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())

	out, err := p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "new box", out.Text)
}

func TestSweep_EvictsIdleEntries(t *testing.T) {
	srv := fakeInference(t, "reply")

	var mu sync.Mutex
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	p := local.New("",
		local.WithLogger(quietLogger()),
		local.WithIdleTTL(10*time.Minute),
		local.WithNow(clock),
	)
	defer p.Close()

	_, err := p.SetUserEndpoint(context.Background(), "idle", srv.URL)
	require.NoError(t, err)
	_, err = p.SetUserEndpoint(context.Background(), "active", srv.URL)
	require.NoError(t, err)

	// "active" is touched past the halfway point, "idle" is not.
	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	_, err = p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "active", Prompt: "hi"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	p.Sweep()

	assert.Equal(t, 1, p.Len(), "only the idle entry is evicted")

	_, err = p.Generate(context.Background(), modelgate.GenerateRequest{UserID: "idle", Prompt: "hi"})
	assert.ErrorIs(t, err, modelgate.ErrBackendUnavailable)
}

func TestProbe_NoDefaultReflectsRegisteredUsers(t *testing.T) {
	srv := fakeInference(t, "reply")
	p := local.New("", local.WithLogger(quietLogger()))
	defer p.Close()

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Available)

	_, err = p.SetUserEndpoint(context.Background(), "u1", srv.URL)
	require.NoError(t, err)

	res, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Available)
}
