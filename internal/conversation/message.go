package conversation

import (
	"strings"
	"time"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// Message is one chat message as seen by the context layer
type Message struct {
	ID        string            `json:"message_id"`
	SenderID  string            `json:"sender_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every message must carry
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return apperr.NewValidation("message_id", "required")
	case strings.TrimSpace(m.SenderID) == "":
		return apperr.NewValidation("sender_id", "required")
	case m.Content == "":
		return apperr.NewValidation("content", "required")
	case m.Timestamp.IsZero():
		return apperr.NewValidation("timestamp", "required")
	}
	return nil
}

func (m Message) clone() Message {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}
