// Package provider adapts model backends to one streaming contract. Every adapter turns its
// backend's wire format into a sequence of Chunks that ends with exactly one final chunk or one
// error chunk, and maps backend failures onto the transport/protocol error kinds.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"unicode"

	"github.com/nadmax/nexarena/internal/domain"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Chunk is one normalized increment of backend output. ReasoningDelta carries model thinking
// text, which is kept apart from the answer and does not count as output units.
type Chunk struct {
	TextDelta      string
	ReasoningDelta string
	IsFinal        bool
	ErrorKind      domain.ErrorKind
	Err            error
	Units          int
	// UsageUnits is the output count reported by the backend for the whole response, if any.
	UsageUnits int
}

type Adapter interface {
	// Stream starts a request and returns its chunks. The channel is closed after the final or
	// error chunk, or once ctx is done.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	// Complete performs a single non-streaming call and returns the full reply text.
	Complete(ctx context.Context, req Request) (string, error)
}

func errorChunk(err error) Chunk {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindTransport
	}

	return Chunk{ErrorKind: kind, Err: err}
}

// send delivers c unless ctx is done first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// EstimateUnits counts output units for a text delta: CJK runes weigh 1.5, other runes 0.25.
func EstimateUnits(delta string) int {
	if delta == "" {
		return 0
	}

	var cjk, other int
	for _, r := range delta {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			cjk++
		} else {
			other++
		}
	}

	units := int(math.Ceil(float64(cjk)*1.5 + float64(other)*0.25))
	if units < 1 {
		units = 1
	}

	return units
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func classify(message string, err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	if isDecodeError(err) {
		return domain.Protocol(message, err)
	}

	return domain.Transport(message, err)
}

// LastUserPrompt returns the content of the last user message in msgs.
func LastUserPrompt(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}

	return ""
}
