package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Item is a pending prompt in the backlog.
type Item struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	SessionID string    `json:"session_id,omitempty"`
	Paused    bool      `json:"paused"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

func NewItem(prompt, sessionID string) *Item {
	return &Item{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
}

func (i *Item) ToJSON() (string, error) {
	data, err := json.Marshal(i)
	return string(data), err
}

func ItemFromJSON(data string) (*Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, err
	}

	return &item, nil
}
