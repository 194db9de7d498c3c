package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

// Message is an encoded event as it travels between sinks.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encode(event domain.Event) (Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", event.EventName(), err)
	}
	return Message{Event: event.EventName(), Data: data}, nil
}
