package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nadmax/nexarena/internal/domain"
)

const ollamaBaseURL = "http://localhost:11434"

// Ollama reads the newline-delimited JSON stream of the /api/chat endpoint.
type Ollama struct {
	client  *http.Client
	baseURL string
	model   string
	headers map[string]string
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

func NewOllama(m domain.Model, client *http.Client) *Ollama {
	base := m.BaseURL
	if base == "" {
		base = ollamaBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}

	// Ollama itself is unauthenticated; a key or headers are for proxies in front of it.
	headers := make(map[string]string, len(m.Headers)+1)
	if m.APIKey != "" {
		headers["Authorization"] = "Bearer " + m.APIKey
	}
	for k, v := range m.Headers {
		headers[k] = v
	}

	return &Ollama{
		client:  client,
		baseURL: strings.TrimRight(base, "/"),
		model:   m.Upstream(),
		headers: headers,
	}
}

func (p *Ollama) request(req Request, stream bool) ollamaRequest {
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	return ollamaRequest{
		Model:    p.model,
		Messages: req.Messages,
		Stream:   stream,
		Options:  options,
	}
}

func (p *Ollama) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := postJSON(ctx, p.client, p.baseURL+"/api/chat", p.headers, p.request(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := newLineScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var msg ollamaResponse
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				send(ctx, out, errorChunk(domain.Protocol("malformed stream line", err)))
				return
			}
			if msg.Error != "" {
				send(ctx, out, errorChunk(domain.Transport("backend error", errors.New(msg.Error))))
				return
			}

			if msg.Message.Content != "" || msg.Message.Thinking != "" {
				c := Chunk{
					TextDelta:      msg.Message.Content,
					ReasoningDelta: msg.Message.Thinking,
					Units:          EstimateUnits(msg.Message.Content),
				}
				if !send(ctx, out, c) {
					return
				}
			}
			if msg.Done {
				send(ctx, out, Chunk{IsFinal: true, UsageUnits: msg.EvalCount})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			send(ctx, out, errorChunk(domain.Transport("stream read failed", err)))
			return
		}
		send(ctx, out, errorChunk(domain.Protocol("stream ended before done", nil)))
	}()

	return out, nil
}

func (p *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := postJSON(ctx, p.client, p.baseURL+"/api/chat", p.headers, p.request(req, false))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var body ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", domain.Protocol("malformed completion response", err)
	}
	if body.Error != "" {
		return "", domain.Transport("backend error", errors.New(body.Error))
	}

	return body.Message.Content, nil
}
