package provider

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()

	var chunks []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
			return nil
		}
	}
}

func text(chunks []Chunk) string {
	var s string
	for _, c := range chunks {
		s += c.TextDelta
	}
	return s
}

func TestEstimateUnits(t *testing.T) {
	tests := []struct {
		name  string
		delta string
		want  int
	}{
		{"empty", "", 0},
		{"single rune", "a", 1},
		{"four ascii runes", "abcd", 1},
		{"five ascii runes", "abcde", 2},
		{"cjk", "你好", 3},
		{"mixed", "hi你", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateUnits(tt.delta))
		})
	}
}

func TestLastUserPrompt(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "answer"},
		{Role: RoleUser, Content: "second"},
	}
	assert.Equal(t, "second", LastUserPrompt(msgs))
	assert.Equal(t, "", LastUserPrompt(nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		model   domain.Model
		want    any
		wantErr bool
	}{
		{"openai chat", domain.Model{ID: "a", Backend: domain.BackendOpenAI, Mode: domain.ModeChat}, &OpenAIChat{}, false},
		{"openrouter image", domain.Model{ID: "b", Backend: domain.BackendOpenRouter, Mode: domain.ModeImage}, &OpenAIImage{}, false},
		{"custom chat", domain.Model{ID: "c", Backend: domain.BackendCustom, BaseURL: "http://localhost:1234/v1"}, &OpenAIChat{}, false},
		{"anthropic", domain.Model{ID: "d", Backend: domain.BackendAnthropic, Mode: domain.ModeChat}, &Anthropic{}, false},
		{"ollama", domain.Model{ID: "e", Backend: domain.BackendOllama, Mode: domain.ModeChat}, &Ollama{}, false},
		{"anthropic image", domain.Model{ID: "f", Backend: domain.BackendAnthropic, Mode: domain.ModeImage}, nil, true},
		{"unknown backend", domain.Model{ID: "g", Backend: "gemini"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.model, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, a)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(http.DefaultClient)
	m := domain.Model{ID: "a", Backend: domain.BackendOllama}

	first, err := r.Get(m)
	require.NoError(t, err)
	second, err := r.Get(m)
	require.NoError(t, err)
	assert.Same(t, first, second)

	custom := &Ollama{}
	r.Register("a", custom)
	got, err := r.Get(m)
	require.NoError(t, err)
	assert.Same(t, custom, got)

	_, err = r.Get(domain.Model{ID: "z", Backend: "nope"})
	assert.Error(t, err)
}

func TestSendStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Chunk)
	assert.False(t, send(ctx, out, Chunk{TextDelta: "x"}))
}
