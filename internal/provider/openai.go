package provider

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/sashabaranov/go-openai"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIChat streams chat completions from OpenAI and OpenAI-compatible endpoints.
type OpenAIChat struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(m domain.Model) *openai.Client {
	cfg := openai.DefaultConfig(m.APIKey)
	switch {
	case m.BaseURL != "":
		cfg.BaseURL = m.BaseURL
	case m.Backend == domain.BackendOpenRouter:
		cfg.BaseURL = openRouterBaseURL
	}

	if len(m.Headers) > 0 {
		cfg.HTTPClient = &http.Client{
			Transport: &headerTransport{headers: m.Headers, base: http.DefaultTransport},
		}
	}

	return openai.NewClientWithConfig(cfg)
}

func NewOpenAIChat(m domain.Model) *OpenAIChat {
	return &OpenAIChat{
		client: newOpenAIClient(m),
		model:  m.Upstream(),
	}
}

func (p *OpenAIChat) request(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (p *OpenAIChat) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
	if err != nil {
		return nil, classifyOpenAI("failed to start chat stream", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ctx, out, Chunk{IsFinal: true})
				return
			}
			if err != nil {
				send(ctx, out, errorChunk(classifyOpenAI("chat stream failed", err)))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !send(ctx, out, Chunk{TextDelta: delta, Units: EstimateUnits(delta)}) {
				return
			}
		}
	}()

	return out, nil
}

func (p *OpenAIChat) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return "", classifyOpenAI("chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.Protocol("chat completion returned no choices", nil)
	}

	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAI(message string, err error) *domain.Error {
	if errors.Is(err, openai.ErrTooManyEmptyStreamMessages) {
		return domain.Protocol(message, err)
	}

	return classify(message, err)
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}

	return t.base.RoundTrip(r)
}
