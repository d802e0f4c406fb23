package claude

import (
	"encoding/json"
	"strings"
)

// Stream event types emitted by the claude CLI in stream-json mode.
const (
	eventSystem    = "system"
	eventAssistant = "assistant"
	eventResult    = "result"

	subtypeInit = "init"
)

// rawEvent mirrors the subset of the claude CLI stream-json schema the
// provider needs. Unknown fields are ignored.
type rawEvent struct {
	Type      string      `json:"type"`
	SubType   string      `json:"subtype"`
	SessionID string      `json:"session_id"`
	Result    string      `json:"result"`
	IsError   bool        `json:"is_error"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string     `json:"role"`
	Content []rawBlock `json:"content"`
}

type rawBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text concatenates the text blocks of a message.
func (m *rawMessage) text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// parseEvent decodes one stdout line. The CLI occasionally emits non-JSON
// noise; callers treat an error as a line to skip, not a turn failure.
func parseEvent(line []byte) (rawEvent, error) {
	var event rawEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return rawEvent{}, err
	}
	return event, nil
}
