package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nadmax/nexarena/internal/domain"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic talks to the Messages API and decodes its server-sent events.
type Anthropic struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	headers map[string]string
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func NewAnthropic(m domain.Model, client *http.Client) *Anthropic {
	base := m.BaseURL
	if base == "" {
		base = anthropicBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &Anthropic{
		client:  client,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  m.APIKey,
		model:   m.Upstream(),
		headers: m.Headers,
	}
}

func (p *Anthropic) request(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")

	return out
}

func (p *Anthropic) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
	for k, v := range p.headers {
		headers[k] = v
	}

	return postJSON(ctx, p.client, p.baseURL+"/v1/messages", headers, body)
}

func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := p.post(ctx, p.request(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		var usage int
		scanner := newLineScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}

			var event anthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
				send(ctx, out, errorChunk(domain.Protocol("malformed stream event", err)))
				return
			}

			switch event.Type {
			case "content_block_delta":
				var c Chunk
				switch event.Delta.Type {
				case "thinking_delta":
					c.ReasoningDelta = event.Delta.Thinking
				default:
					c.TextDelta = event.Delta.Text
					c.Units = EstimateUnits(event.Delta.Text)
				}
				if c.TextDelta == "" && c.ReasoningDelta == "" {
					continue
				}
				if !send(ctx, out, c) {
					return
				}
			case "message_delta":
				// Output tokens are cumulative.
				usage = max(usage, event.Usage.OutputTokens)
			case "message_stop":
				send(ctx, out, Chunk{IsFinal: true, UsageUnits: usage})
				return
			case "error":
				send(ctx, out, errorChunk(domain.Transport("backend error: "+event.Error.Type, errors.New(event.Error.Message))))
				return
			}
		}

		if err := scanner.Err(); err != nil {
			send(ctx, out, errorChunk(domain.Transport("stream read failed", err)))
			return
		}
		send(ctx, out, errorChunk(domain.Protocol("stream ended before message_stop", nil)))
	}()

	return out, nil
}

func (p *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.post(ctx, p.request(req, false))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var body anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", domain.Protocol("malformed completion response", err)
	}

	var sb strings.Builder
	for _, block := range body.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return sb.String(), nil
}
