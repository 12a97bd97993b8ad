package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/preferences"
)

// Cuisines the foodie recognises in messages
var Cuisines = []string{
	"italian", "japanese", "chinese", "indian", "mexican",
	"french", "thai", "mediterranean", "american", "korean",
}

// DietaryRestrictions the foodie recognises in messages
var DietaryRestrictions = []string{
	"vegetarian", "vegan", "gluten-free", "halal",
	"kosher", "dairy-free", "nut-free", "pescatarian",
}

// GroupCuisineWeight multiplies the weight of cuisines someone in the conversation asked for
const GroupCuisineWeight = 1.5

const foodieSystem = "You are a dining specialist in a group chat. " +
	"Recommend places and dishes that fit everyone's restrictions. Keep it short."

// PreferenceUpdater receives cuisine preferences detected in messages.
// *preferences.Manager satisfies it.
type PreferenceUpdater interface {
	UpdatePreference(ctx context.Context, userID string, t preferences.PreferenceType, data preferences.Data, confidence float64, ctxData map[string]string) (preferences.UpdateResult, error)
}

type diningState struct {
	cuisines map[string]map[string]struct{} // sender -> cuisines
	dietary  map[string]map[string]struct{} // sender -> restrictions
}

// Foodie handles dining requests and remembers what each conversation likes
type Foodie struct {
	*Responder
	prefs  PreferenceUpdater
	logger *zap.Logger

	mu    sync.Mutex
	state map[string]*diningState
}

// NewFoodie creates a foodie agent. deps.Prefs may be nil.
func NewFoodie(name string, specialties []string, deps Deps) *Foodie {
	if name == "" {
		name = "Foodie"
	}
	if len(specialties) == 0 {
		specialties = []string{"foodie"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Foodie{
		Responder: NewResponder(ResponderConfig{
			Name:            name,
			Specialties:     specialties,
			System:          foodieSystem,
			ResponseTimeout: deps.ResponseTimeout,
		}, deps.Provider, deps.History, logger),
		prefs:  deps.Prefs,
		logger: logger,
		state:  make(map[string]*diningState),
	}
}

func (f *Foodie) Process(ctx context.Context, req Request) (string, error) {
	message, conversationID := req.Message, req.ConversationID
	if strings.TrimSpace(message) == "" {
		return "", apperr.NewValidation("message", "required")
	}
	sender := req.Metadata[MetaSenderID]
	cuisines := detect(message, Cuisines)
	dietary := detect(message, DietaryRestrictions)
	f.remember(conversationID, sender, cuisines, dietary)

	if len(cuisines) > 0 && sender != "" && f.prefs != nil {
		f.report(ctx, conversationID, sender, cuisines)
	}

	return f.Respond(ctx, req, f.prompt(conversationID, message))
}

func (f *Foodie) remember(conversationID, sender string, cuisines, dietary []string) {
	if len(cuisines) == 0 && len(dietary) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[conversationID]
	if !ok {
		st = &diningState{
			cuisines: make(map[string]map[string]struct{}),
			dietary:  make(map[string]map[string]struct{}),
		}
		f.state[conversationID] = st
	}
	add(st.cuisines, sender, cuisines)
	add(st.dietary, sender, dietary)
}

func (f *Foodie) report(ctx context.Context, conversationID, sender string, cuisines []string) {
	data := preferences.Data{"cuisine": toInterfaces(cuisines)}
	_, err := f.prefs.UpdatePreference(ctx, sender, preferences.TypeContent, data, 0.6, map[string]string{
		"source":          "foodie",
		"conversation_id": conversationID,
	})
	if err != nil {
		// The reply does not depend on the stored preference.
		f.logger.Warn("Failed to record cuisine preference",
			zap.String("user_id", sender),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// CuisineWeights returns a weight per known cuisine for a conversation
func (f *Foodie) CuisineWeights(conversationID string) map[string]float64 {
	weights := make(map[string]float64, len(Cuisines))
	for _, c := range Cuisines {
		weights[c] = 1.0
	}
	for _, c := range f.GroupCuisines(conversationID) {
		weights[c] *= GroupCuisineWeight
	}
	return weights
}

// GroupCuisines lists the cuisines anyone in the conversation mentioned
func (f *Foodie) GroupCuisines(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[conversationID]
	if !ok {
		return nil
	}
	return union(st.cuisines)
}

// GroupRestrictions lists the dietary restrictions anyone in the conversation mentioned
func (f *Foodie) GroupRestrictions(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[conversationID]
	if !ok {
		return nil
	}
	return union(st.dietary)
}

// Forget drops the dining state of a conversation
func (f *Foodie) Forget(conversationID string) {
	f.mu.Lock()
	delete(f.state, conversationID)
	f.mu.Unlock()
}

func (f *Foodie) prompt(conversationID, message string) string {
	var b strings.Builder
	if group := f.GroupCuisines(conversationID); len(group) > 0 {
		fmt.Fprintf(&b, "Group favourites (weight %.1f): %s\n", GroupCuisineWeight, strings.Join(group, ", "))
	}
	if restrictions := f.GroupRestrictions(conversationID); len(restrictions) > 0 {
		fmt.Fprintf(&b, "Dietary restrictions: %s\n", strings.Join(restrictions, ", "))
	}
	b.WriteString(message)
	return b.String()
}

// detect returns the vocabulary terms present in message, in vocabulary order
func detect(message string, vocabulary []string) []string {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !(r == '-' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		words[w] = struct{}{}
	}
	var out []string
	for _, term := range vocabulary {
		if _, ok := words[term]; ok {
			out = append(out, term)
		}
	}
	return out
}

func add(m map[string]map[string]struct{}, key string, values []string) {
	if len(values) == 0 {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
}

func union(m map[string]map[string]struct{}) []string {
	seen := make(map[string]struct{})
	for _, set := range m {
		for v := range set {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
