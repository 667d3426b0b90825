package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamChunk(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":%q}}]}`, content)
}

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, domain.Model) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv, domain.Model{
		ID:            "gpt",
		Backend:       domain.BackendCustom,
		UpstreamModel: "gpt-test",
		BaseURL:       srv.URL + "/v1",
		APIKey:        "sk-test",
		Mode:          domain.ModeChat,
		Headers:       map[string]string{"X-Title": "nexarena"},
	}
}

func TestOpenAIChat_Stream(t *testing.T) {
	var gotBody map[string]any
	var gotTitle string
	_, model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotTitle = r.Header.Get("X-Title")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo", ""} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", streamChunk(part))
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	a := NewOpenAIChat(model)
	ch, err := a.Stream(context.Background(), Request{
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Temperature: 0.5,
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hello", text(chunks))
	assert.Equal(t, 1, chunks[0].Units)
	assert.True(t, chunks[2].IsFinal)
	assert.Empty(t, chunks[2].ErrorKind)

	assert.Equal(t, "gpt-test", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	assert.Equal(t, "nexarena", gotTitle)
}

func TestOpenAIChat_StreamMalformed(t *testing.T) {
	_, model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "data: %s\n\n", streamChunk("partial"))
		_, _ = fmt.Fprint(w, "data: {not json}\n\n")
	})

	ch, err := NewOpenAIChat(model).Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].TextDelta)
	assert.Equal(t, domain.KindProtocol, chunks[1].ErrorKind)
	assert.Error(t, chunks[1].Err)
}

func TestOpenAIChat_StreamHTTPError(t *testing.T) {
	_, model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	_, err := NewOpenAIChat(model).Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}

func TestOpenAIChat_Complete(t *testing.T) {
	_, model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"x","object":"chat.completion","created":1,"model":"gpt-test","choices":[{"index":0,"message":{"role":"assistant","content":"{\"a\": 5}"},"finish_reason":"stop"}]}`)
	})

	reply, err := NewOpenAIChat(model).Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "judge"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"a": 5}`, reply)
}

func TestOpenAIChat_CompleteNoChoices(t *testing.T) {
	_, model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"x","object":"chat.completion","created":1,"model":"gpt-test","choices":[]}`)
	})

	_, err := NewOpenAIChat(model).Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "judge"}}})
	require.Error(t, err)
	assert.Equal(t, domain.KindProtocol, domain.KindOf(err))
}

func TestOpenAIImage_Stream(t *testing.T) {
	_, model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a red fox", body["prompt"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"created":1,"data":[{"b64_json":"aGVsbG8="}]}`)
	})
	model.Mode = domain.ModeImage

	ch, err := NewOpenAIImage(model).Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "a red fox"}}})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsFinal)
	assert.Equal(t, 1, chunks[0].Units)
	assert.Equal(t, "![Generated Image](data:image/png;base64,aGVsbG8=)", chunks[0].TextDelta)
}

func TestOpenAIImage_EmptyData(t *testing.T) {
	_, model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"created":1,"data":[]}`)
	})

	_, err := NewOpenAIImage(model).Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "fox"}}})
	require.Error(t, err)
	assert.Equal(t, domain.KindProtocol, domain.KindOf(err))

	_, err = NewOpenAIImage(model).Complete(context.Background(), Request{})
	assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
}
