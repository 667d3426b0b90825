// Package domain defines the arena data model shared by the engine, the result sink and the
// HTTP layer: model records, sessions, results, metrics and transient streaming state.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	Backend      string
	Mode         string
	RatingSource string
)

const (
	BackendOpenAI     Backend = "openai"
	BackendOpenRouter Backend = "openrouter"
	BackendCustom     Backend = "custom"
	BackendAnthropic  Backend = "anthropic"
	BackendOllama     Backend = "ollama"
)

const (
	ModeChat  Mode = "chat"
	ModeImage Mode = "image"
)

const (
	RatingHuman RatingSource = "human"
	RatingJudge RatingSource = "judge"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendOpenAI, BackendOpenRouter, BackendCustom, BackendAnthropic, BackendOllama:
		return true
	}

	return false
}

func (m Mode) Valid() bool {
	return m == ModeChat || m == ModeImage
}

// Model is a read-only backend configuration record.
type Model struct {
	ID            string            `json:"id" mapstructure:"id" yaml:"id"`
	Name          string            `json:"name" mapstructure:"name" yaml:"name"`
	Backend       Backend           `json:"backend" mapstructure:"backend" yaml:"backend"`
	UpstreamModel string            `json:"upstream_model" mapstructure:"upstream_model" yaml:"upstream_model"`
	BaseURL       string            `json:"base_url,omitempty" mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey        string            `json:"-" mapstructure:"api_key" yaml:"-"`
	Mode          Mode              `json:"mode" mapstructure:"mode" yaml:"mode"`
	Headers       map[string]string `json:"-" mapstructure:"headers" yaml:"-"`
}

// Upstream returns the model name sent to the backend, falling back to the id.
func (m Model) Upstream() string {
	if m.UpstreamModel != "" {
		return m.UpstreamModel
	}

	return m.ID
}

func (m Model) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}

	return m.ID
}

type Metrics struct {
	TTFTMs          int64   `json:"ttft_ms"`
	OutputRate      float64 `json:"output_rate"`
	TotalDurationMs int64   `json:"total_duration_ms"`
	OutputUnits     int     `json:"output_units"`
}

type Result struct {
	ID           string       `json:"id"`
	Prompt       string       `json:"prompt"`
	Response     string       `json:"response"`
	Reasoning    string       `json:"reasoning,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Metrics      *Metrics     `json:"metrics,omitempty"`
	Rating       *int         `json:"rating,omitempty"`
	RatingSource RatingSource `json:"rating_source,omitempty"`
	Error        string       `json:"error,omitempty"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
}

func (r Result) Failed() bool {
	return r.Error != ""
}

type Session struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Models    []string            `json:"models"`
	Results   map[string][]Result `json:"results"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func NewSession(title string, models []string) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.New().String(),
		Title:     title,
		Models:    append([]string(nil), models...),
		Results:   make(map[string][]Result),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Latest returns the last result recorded for modelID.
func (s *Session) Latest(modelID string) (Result, bool) {
	results := s.Results[modelID]
	if len(results) == 0 {
		return Result{}, false
	}

	return results[len(results)-1], true
}

// Clone returns a deep copy safe to hand out of a repository lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Models = append([]string(nil), s.Models...)
	c.Results = make(map[string][]Result, len(s.Results))
	for id, results := range s.Results {
		c.Results[id] = append([]Result(nil), results...)
	}

	return &c
}

// StreamingState is the in-flight view of a result that has not finalized yet.
type StreamingState struct {
	ResultID  string    `json:"result_id"`
	SessionID string    `json:"session_id"`
	ModelID   string    `json:"model_id"`
	Text      string    `json:"text"`
	Reasoning string    `json:"reasoning,omitempty"`
	Metrics   Metrics   `json:"metrics"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RatingUpdate sets the rating of a single result.
type RatingUpdate struct {
	ModelID  string
	ResultID string
	Rating   int
	Source   RatingSource
}

// SessionTitle derives a session title from the first prompt of a conversation.
func SessionTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= 30 {
		return prompt
	}

	return string(runes[:30]) + "..."
}
