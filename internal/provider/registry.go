package provider

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/nadmax/nexarena/internal/domain"
)

// New builds the adapter variant selected by the model's backend tag and mode.
func New(m domain.Model, client *http.Client) (Adapter, error) {
	switch m.Backend {
	case domain.BackendOpenAI, domain.BackendOpenRouter, domain.BackendCustom:
		if m.Mode == domain.ModeImage {
			return NewOpenAIImage(m), nil
		}
		return NewOpenAIChat(m), nil
	case domain.BackendAnthropic:
		if m.Mode == domain.ModeImage {
			return nil, domain.InvalidRequest("anthropic does not support image mode")
		}
		return NewAnthropic(m, client), nil
	case domain.BackendOllama:
		if m.Mode == domain.ModeImage {
			return nil, domain.InvalidRequest("ollama does not support image mode")
		}
		return NewOllama(m, client), nil
	default:
		return nil, domain.InvalidRequest(fmt.Sprintf("unsupported backend: %s", m.Backend))
	}
}

// Registry caches one adapter per model id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	client   *http.Client
}

func NewRegistry(client *http.Client) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		client:   client,
	}
}

// Register installs a prebuilt adapter for modelID, replacing any cached one.
func (r *Registry) Register(modelID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[modelID] = a
}

func (r *Registry) Get(m domain.Model) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[m.ID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[m.ID]; ok {
		return a, nil
	}

	a, err := New(m, r.client)
	if err != nil {
		return nil, err
	}
	r.adapters[m.ID] = a

	return a, nil
}
