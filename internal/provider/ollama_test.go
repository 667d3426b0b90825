package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewOllama(domain.Model{
		ID:            "llama",
		Backend:       domain.BackendOllama,
		UpstreamModel: "llama3:8b",
		BaseURL:       srv.URL,
	}, srv.Client())
}

func TestOllama_Stream(t *testing.T) {
	var got ollamaRequest
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		_, _ = fmt.Fprintln(w, ``)
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	ch, err := o.Stream(context.Background(), Request{
		Messages:    []Message{{Role: RoleUser, Content: "hello"}},
		Temperature: 0.2,
		MaxTokens:   64,
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hi there", text(chunks))
	assert.True(t, chunks[2].IsFinal)

	assert.Equal(t, "llama3:8b", got.Model)
	assert.True(t, got.Stream)
	assert.InDelta(t, 0.2, got.Options["temperature"], 0.0001)
	assert.Equal(t, float64(64), got.Options["num_predict"])
}

func TestOllama_StreamThinkingAndEvalCount(t *testing.T) {
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","thinking":"hmm"},"done":false}`)
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ok"},"done":false}`)
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":9}`)
	})

	ch, err := o.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "hmm", chunks[0].ReasoningDelta)
	assert.Equal(t, 0, chunks[0].Units)
	assert.Equal(t, "ok", chunks[1].TextDelta)
	assert.True(t, chunks[2].IsFinal)
	assert.Equal(t, 9, chunks[2].UsageUnits)
}

func TestOllama_SendsHeadersAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "arena", r.Header.Get("X-Client"))
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":"hi"},"done":true}`)
	}))
	t.Cleanup(srv.Close)

	o := NewOllama(domain.Model{
		ID:      "llama",
		Backend: domain.BackendOllama,
		BaseURL: srv.URL,
		APIKey:  "secret",
		Headers: map[string]string{"X-Client": "arena"},
	}, srv.Client())

	reply, err := o.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi", reply)

	ch, err := o.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)
	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[1].IsFinal)
}

func TestOllama_StreamErrorLine(t *testing.T) {
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, `{"error":"model not found"}`)
	})

	ch, err := o.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, domain.KindTransport, chunks[0].ErrorKind)
	assert.Contains(t, chunks[0].Err.Error(), "model not found")
}

func TestOllama_StreamGarbage(t *testing.T) {
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, `<html>oops</html>`)
	})

	ch, err := o.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, domain.KindProtocol, chunks[0].ErrorKind)
}

func TestOllama_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	o := NewOllama(domain.Model{ID: "llama", Backend: domain.BackendOllama, BaseURL: addr}, nil)

	_, err := o.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.Error(t, err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}

func TestOllama_Complete(t *testing.T) {
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"message":{"role":"assistant","content":"done"},"done":true}`)
	})

	reply, err := o.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "done", reply)
}
