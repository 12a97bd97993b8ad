package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

const explorerSystem = "You are a travel and local activities specialist in a group chat. " +
	"Suggest concrete places, events and ways to get there. Keep it short."

// Explorer handles travel, sightseeing and local activity requests
type Explorer struct {
	*Responder
}

// NewExplorer creates an explorer agent
func NewExplorer(name string, specialties []string, deps Deps) *Explorer {
	if name == "" {
		name = "Explorer"
	}
	if len(specialties) == 0 {
		specialties = []string{"explorer", "local"}
	}
	return &Explorer{Responder: NewResponder(ResponderConfig{
		Name:            name,
		Specialties:     specialties,
		System:          explorerSystem,
		ResponseTimeout: deps.ResponseTimeout,
	}, deps.Provider, deps.History, deps.Logger)}
}

func (e *Explorer) Process(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", apperr.NewValidation("message", "required")
	}
	prompt := req.Message
	if loc := strings.TrimSpace(req.Metadata[MetaLocation]); loc != "" {
		prompt = fmt.Sprintf("Location: %s\n%s", loc, req.Message)
	}
	return e.Respond(ctx, req, prompt)
}
