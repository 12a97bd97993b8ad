package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// Activities the planner recognises
var Activities = []string{
	"itinerary", "schedule", "meeting", "event",
	"task", "timeline", "coordination", "planning",
}

// activityAliases maps everyday words onto an activity
var activityAliases = map[string]string{
	"plan":     "planning",
	"plans":    "planning",
	"trip":     "itinerary",
	"calendar": "schedule",
	"when":     "schedule",
	"meet":     "meeting",
	"party":    "event",
	"todo":     "task",
	"deadline": "timeline",
	"weekend":  "schedule",
}

// ClarifyReply is returned when no activity can be identified
const ClarifyReply = "I'm not sure how to help with that. Could you provide more details about what you'd like to plan?"

const plannerSystem = "You are a planning specialist in a group chat. " +
	"Propose concrete times and a short agenda that works for the group."

// Planner handles scheduling and itinerary requests
type Planner struct {
	*Responder
	now    func() time.Time
	logger *zap.Logger
}

// NewPlanner creates a planner agent. deps.Now defaults to time.Now.
func NewPlanner(name string, specialties []string, deps Deps) *Planner {
	if name == "" {
		name = "Planner"
	}
	if len(specialties) == 0 {
		specialties = []string{"planner"}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		Responder: NewResponder(ResponderConfig{
			Name:            name,
			Specialties:     specialties,
			System:          plannerSystem,
			ResponseTimeout: deps.ResponseTimeout,
		}, deps.Provider, deps.History, logger),
		now:    now,
		logger: logger,
	}
}

func (p *Planner) Process(ctx context.Context, req Request) (string, error) {
	message := req.Message
	if strings.TrimSpace(message) == "" {
		return "", apperr.NewValidation("message", "required")
	}
	activity := ActivityType(message)
	if activity == "" {
		return p.format(ClarifyReply), nil
	}

	loc := p.location(req.Metadata[MetaTimezone], req.ConversationID)
	local := p.now().In(loc)
	prompt := fmt.Sprintf("Activity: %s\nLocal time: %s (%s)\n%s",
		activity, local.Format("Mon 2006-01-02 15:04"), loc.String(), message)
	return p.Respond(ctx, req, prompt)
}

func (p *Planner) location(tz, conversationID string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		p.logger.Warn("Unknown timezone, using UTC",
			zap.String("timezone", tz),
			zap.String("conversation_id", conversationID),
		)
		return time.UTC
	}
	return loc
}

// ActivityType returns the first activity named in message, or "" when none is
func ActivityType(message string) string {
	for _, w := range strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		for _, a := range Activities {
			if w == a {
				return a
			}
		}
		if a, ok := activityAliases[w]; ok {
			return a
		}
	}
	return ""
}
