package provider

import (
	"context"
	"fmt"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/sashabaranov/go-openai"
)

// OpenAIImage generates one image per request and emits it as a single final chunk.
type OpenAIImage struct {
	client *openai.Client
	model  string
	size   string
}

func NewOpenAIImage(m domain.Model) *OpenAIImage {
	return &OpenAIImage{
		client: newOpenAIClient(m),
		model:  m.Upstream(),
		size:   openai.CreateImageSize1024x1024,
	}
}

func (p *OpenAIImage) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	prompt := LastUserPrompt(req.Messages)
	if prompt == "" {
		return nil, domain.InvalidRequest("image request has no prompt")
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          p.model,
		N:              1,
		Size:           p.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, classify("image generation failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, domain.Protocol("image generation returned no data", nil)
	}

	var text string
	switch img := resp.Data[0]; {
	case img.B64JSON != "":
		text = fmt.Sprintf("![Generated Image](data:image/png;base64,%s)", img.B64JSON)
	case img.URL != "":
		text = fmt.Sprintf("![Generated Image](%s)", img.URL)
	default:
		return nil, domain.Protocol("image generation returned an empty payload", nil)
	}

	out := make(chan Chunk, 1)
	out <- Chunk{TextDelta: text, IsFinal: true, Units: 1}
	close(out)

	return out, nil
}

func (p *OpenAIImage) Complete(context.Context, Request) (string, error) {
	return "", domain.InvalidRequest("image models cannot answer text completions")
}
