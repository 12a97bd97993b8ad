package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/catalog"
	"github.com/huddlechat/orchestrator/internal/completion"
	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/preferences"
)

// scriptedProvider returns replies in order and records every prompt
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
	// block stalls the first call, blockAll every call, until ctx is done
	block    bool
	blockAll bool
}

func (s *scriptedProvider) Complete(ctx context.Context, prompt string, _ completion.Options) (string, error) {
	s.mu.Lock()
	n := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	block := s.blockAll || s.block && n == 0
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	var err error
	if n < len(s.errs) {
		err = s.errs[n]
	}
	if err != nil {
		return "", err
	}
	if n < len(s.replies) {
		return s.replies[n], nil
	}
	return "fine", nil
}

func (s *scriptedProvider) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

type stubHistory struct {
	msgs []conversation.Message
}

func (s *stubHistory) RecentContext(string, int) ([]conversation.Message, map[string][]float32) {
	return s.msgs, nil
}

type recordedUpdate struct {
	user string
	t    preferences.PreferenceType
	data preferences.Data
	ctx  map[string]string
}

type stubUpdater struct {
	mu      sync.Mutex
	updates []recordedUpdate
	err     error
}

func (s *stubUpdater) UpdatePreference(_ context.Context, userID string, t preferences.PreferenceType, data preferences.Data, _ float64, ctxData map[string]string) (preferences.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, recordedUpdate{user: userID, t: t, data: data, ctx: ctxData})
	return preferences.UpdateResult{Type: t}, s.err
}

func TestResponderFormatsReply(t *testing.T) {
	r := NewResponder(ResponderConfig{Name: "Explorer", Specialties: []string{"explorer", "local"}},
		&completion.EchoProvider{Reply: "  Try Sintra on Saturday. "}, nil, zaptest.NewLogger(t))

	out, err := r.Respond(context.Background(), Request{ConversationID: "c1"}, "day trip ideas?")
	require.NoError(t, err)
	assert.Equal(t, "I am Explorer, specialized in explorer, local. Try Sintra on Saturday.", out)
}

func TestResponderEnrichesWithHistory(t *testing.T) {
	p := &scriptedProvider{}
	h := &stubHistory{msgs: []conversation.Message{
		{ID: "m1", SenderID: "u1", Content: "we land friday"},
		{ID: "m2", SenderID: "u2", Content: "hotel is in alfama"},
	}}
	r := NewResponder(ResponderConfig{Name: "Explorer"}, p, h, zaptest.NewLogger(t))

	_, err := r.Respond(context.Background(), Request{ConversationID: "c1"}, "what should we see?")
	require.NoError(t, err)

	prompts := p.seen()
	require.Len(t, prompts, 1)
	assert.Equal(t, "Conversation so far:\nu1: we land friday\nu2: hotel is in alfama\n\nwhat should we see?", prompts[0])
}

func TestResponderFallsBackOnTimeout(t *testing.T) {
	p := &scriptedProvider{block: true, replies: []string{"", "plain answer"}}
	h := &stubHistory{msgs: []conversation.Message{{ID: "m1", SenderID: "u1", Content: "hi"}}}
	r := NewResponder(ResponderConfig{Name: "timeout-agent", ResponseTimeout: 20 * time.Millisecond}, p, h, zaptest.NewLogger(t))

	before := testutil.ToFloat64(metrics.AgentFallbacks.WithLabelValues("timeout-agent", "timeout"))
	out, err := r.Respond(context.Background(), Request{ConversationID: "c1"}, "where to?")
	require.NoError(t, err)

	assert.Equal(t, "I am timeout-agent, specialized in . plain answer", out)
	prompts := p.seen()
	require.Len(t, prompts, 2)
	assert.True(t, strings.HasPrefix(prompts[0], "Conversation so far:"))
	assert.Equal(t, "where to?", prompts[1])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AgentFallbacks.WithLabelValues("timeout-agent", "timeout")))
}

func TestResponderEnrichesWithRelated(t *testing.T) {
	p := &scriptedProvider{}
	h := &stubHistory{msgs: []conversation.Message{{ID: "m9", SenderID: "u2", Content: "anyone hungry?"}}}
	r := NewResponder(ResponderConfig{Name: "Foodie"}, p, h, zaptest.NewLogger(t))

	req := Request{ConversationID: "c1", Related: []conversation.RelevantMessage{
		{Message: conversation.Message{ID: "m2", SenderID: "u1", Content: "alice is allergic to peanuts"}, Score: 0.93},
		{Message: conversation.Message{ID: "m9", SenderID: "u2", Content: "anyone hungry?"}, Score: 0.8},
	}}
	_, err := r.Respond(context.Background(), req, "dinner?")
	require.NoError(t, err)

	prompts := p.seen()
	require.Len(t, prompts, 1)
	assert.Equal(t, "Related earlier messages:\nu1: alice is allergic to peanuts\n\n"+
		"Conversation so far:\nu2: anyone hungry?\n\ndinner?", prompts[0])
}

func TestResponderFallbackHasTimeout(t *testing.T) {
	p := &scriptedProvider{blockAll: true}
	r := NewResponder(ResponderConfig{Name: "stuck-agent", ResponseTimeout: 20 * time.Millisecond}, p, nil, zaptest.NewLogger(t))

	start := time.Now()
	_, err := r.Respond(context.Background(), Request{ConversationID: "c1"}, "hello?")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, p.seen(), 2)
}

func TestResponderValidation(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
		quality QualityScorer
		want    string
		wantErr bool
	}{
		{name: "refusal falls back", replies: []string{"Sorry, I don't know.", "Try the market."}, want: "Try the market."},
		{name: "cannot help falls back", replies: []string{"I CANNOT HELP with that", "Here you go."}, want: "Here you go."},
		{name: "empty falls back", replies: []string{"   ", "ok then"}, want: "ok then"},
		{name: "both invalid", replies: []string{"", "i don't know"}, wantErr: true},
		{
			name:    "low quality falls back",
			replies: []string{"meh", "A detailed answer."},
			quality: func(s string) float64 {
				if s == "meh" {
					return 0.2
				}
				return 0.95
			},
			want: "A detailed answer.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{replies: tt.replies}
			r := NewResponder(ResponderConfig{Name: "A", Specialties: []string{"x"}, Quality: tt.quality}, p, nil, zaptest.NewLogger(t))
			out, err := r.Respond(context.Background(), Request{ConversationID: "c1"}, "q")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "I am A, specialized in x. "+tt.want, out)
			assert.Len(t, p.seen(), 2)
		})
	}
}

func TestResponderProviderError(t *testing.T) {
	boom := apperr.NewProviderError("openai", "complete", 500, errors.New("boom"))
	p := &scriptedProvider{errs: []error{boom, boom}}
	r := NewResponder(ResponderConfig{Name: "A"}, p, nil, zaptest.NewLogger(t))

	_, err := r.Respond(context.Background(), Request{ConversationID: "c1"}, "q")
	require.Error(t, err)
	var pe *apperr.ProviderError
	assert.True(t, errors.As(err, &pe))
}

func TestExplorerIncludesLocation(t *testing.T) {
	p := &scriptedProvider{}
	e := NewExplorer("", nil, Deps{Provider: p, Logger: zaptest.NewLogger(t)})
	assert.Equal(t, "Explorer", e.Name())
	assert.Equal(t, []string{"explorer", "local"}, e.Specialties())

	_, err := e.Process(context.Background(), Request{ConversationID: "c1", Message: "any museums open late?", Metadata: map[string]string{MetaLocation: "Lisbon"}})
	require.NoError(t, err)
	assert.Equal(t, "Location: Lisbon\nany museums open late?", p.seen()[0])

	_, err = e.Process(context.Background(), Request{ConversationID: "c1", Message: "  "})
	assert.True(t, apperr.IsValidation(err))
}

func TestFoodieTracksGroupPreferences(t *testing.T) {
	up := &stubUpdater{}
	f := NewFoodie("", nil, Deps{Provider: &completion.EchoProvider{}, Prefs: up, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	out, err := f.Process(ctx, Request{ConversationID: "c1", Message: "Thai or Italian tonight? I'm vegan", Metadata: map[string]string{MetaSenderID: "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "I am Foodie, specialized in foodie. Noted: Thai or Italian tonight? I'm vegan", out)

	_, err = f.Process(ctx, Request{ConversationID: "c1", Message: "japanese please, gluten-free for me", Metadata: map[string]string{MetaSenderID: "u2"}})
	require.NoError(t, err)
	_, err = f.Process(ctx, Request{ConversationID: "c2", Message: "korean!", Metadata: map[string]string{MetaSenderID: "u3"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"italian", "japanese", "thai"}, f.GroupCuisines("c1"))
	assert.Equal(t, []string{"gluten-free", "vegan"}, f.GroupRestrictions("c1"))

	w := f.CuisineWeights("c1")
	assert.Len(t, w, len(Cuisines))
	assert.Equal(t, 1.5, w["thai"])
	assert.Equal(t, 1.5, w["japanese"])
	assert.Equal(t, 1.0, w["french"])
	assert.Equal(t, 1.0, w["korean"])

	require.Len(t, up.updates, 3)
	first := up.updates[0]
	assert.Equal(t, "u1", first.user)
	assert.Equal(t, preferences.TypeContent, first.t)
	assert.Equal(t, []interface{}{"italian", "thai"}, first.data["cuisine"])
	assert.Equal(t, "c1", first.ctx["conversation_id"])

	f.Forget("c1")
	assert.Empty(t, f.GroupCuisines("c1"))
	assert.Equal(t, []string{"korean"}, f.GroupCuisines("c2"))
}

func TestFoodiePromptAndUpdaterFailure(t *testing.T) {
	p := &scriptedProvider{}
	up := &stubUpdater{err: errors.New("db down")}
	f := NewFoodie("Foodie", nil, Deps{Provider: p, Prefs: up, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	_, err := f.Process(ctx, Request{ConversationID: "c1", Message: "indian, vegetarian please", Metadata: map[string]string{MetaSenderID: "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "Group favourites (weight 1.5): indian\nDietary restrictions: vegetarian\nindian, vegetarian please", p.seen()[0])

	// No sender, no report.
	_, err = f.Process(ctx, Request{ConversationID: "c1", Message: "mexican?"})
	require.NoError(t, err)
	assert.Len(t, up.updates, 1)
}

func TestActivityType(t *testing.T) {
	tests := map[string]string{
		"Can we schedule a call?":       "schedule",
		"let's plan the weekend":        "planning",
		"who's free for a meeting":      "meeting",
		"build the trip itinerary":      "itinerary",
		"what's the deadline":           "timeline",
		"lovely weather":                "",
		"SCHEDULE":                      "schedule",
		"party at mine, when works?":    "event",
		"coordination across timezones": "coordination",
	}
	for msg, want := range tests {
		assert.Equal(t, want, ActivityType(msg), msg)
	}
}

func TestPlanner(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC) }

	t.Run("uses timezone", func(t *testing.T) {
		p := &scriptedProvider{}
		pl := NewPlanner("", []string{"planner", "budget"}, Deps{Provider: p, Now: now, Logger: zaptest.NewLogger(t)})
		out, err := pl.Process(context.Background(), Request{ConversationID: "c1", Message: "when can we meet?", Metadata: map[string]string{MetaTimezone: "Asia/Tokyo"}})
		require.NoError(t, err)
		assert.Equal(t, "I am Planner, specialized in planner, budget. fine", out)
		assert.Equal(t, "Activity: schedule\nLocal time: Mon 2024-03-04 23:00 (Asia/Tokyo)\nwhen can we meet?", p.seen()[0])
	})

	t.Run("unknown timezone uses UTC", func(t *testing.T) {
		p := &scriptedProvider{}
		pl := NewPlanner("", nil, Deps{Provider: p, Now: now, Logger: zaptest.NewLogger(t)})
		_, err := pl.Process(context.Background(), Request{ConversationID: "c1", Message: "plan dinner", Metadata: map[string]string{MetaTimezone: "Mars/Olympus"}})
		require.NoError(t, err)
		assert.Contains(t, p.seen()[0], "Mon 2024-03-04 14:00 (UTC)")
	})

	t.Run("asks for details", func(t *testing.T) {
		p := &scriptedProvider{}
		pl := NewPlanner("", nil, Deps{Provider: p, Now: now, Logger: zaptest.NewLogger(t)})
		out, err := pl.Process(context.Background(), Request{ConversationID: "c1", Message: "nice weather"})
		require.NoError(t, err)
		assert.Equal(t, "I am Planner, specialized in planner. "+ClarifyReply, out)
		assert.Empty(t, p.seen())
	})
}

type namedAgent struct{ name string }

func (n namedAgent) Name() string          { return n.name }
func (n namedAgent) Specialties() []string { return nil }
func (n namedAgent) Process(context.Context, Request) (string, error) {
	return n.name, nil
}

func TestRouter(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("explorer", namedAgent{"Explorer"}, []string{"trip", "hotel", "museum"}))
	require.NoError(t, reg.Register("foodie", namedAgent{"Foodie"}, []string{"eat", "dinner", "hotel"}))
	require.NoError(t, reg.Register("planner", namedAgent{"Planner"}, []string{"when", "schedule"}))

	err := reg.Register("Foodie", namedAgent{"dup"}, nil)
	assert.True(t, apperr.IsValidation(err))

	tests := []struct {
		name     string
		fallback string
		message  string
		want     string
		ok       bool
	}{
		{name: "mention by id", message: "@planner where do we eat dinner?", want: "planner", ok: true},
		{name: "mention by name", message: "hey @Foodie, trip ideas?", want: "foodie", ok: true},
		{name: "unknown mention uses keywords", message: "@bob museum trip", want: "explorer", ok: true},
		{name: "keyword score", message: "when do we eat dinner", want: "foodie", ok: true},
		{name: "tie goes to first", message: "which hotel", want: "explorer", ok: true},
		{name: "nothing matches", message: "lol", ok: false},
		{name: "fallback", fallback: "planner", message: "lol", want: "planner", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, a, ok := NewRouter(reg, tt.fallback).Route(tt.message)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, id)
			if ok {
				got, found := reg.Get(id)
				require.True(t, found)
				assert.Equal(t, got.Name(), a.Name())
			}
		})
	}

	_, _, ok := NewRouter(NewRegistry(), "").Route("anything")
	assert.False(t, ok)
}

func TestFromCatalog(t *testing.T) {
	c, err := catalog.Load("../../config/catalog.yaml")
	require.NoError(t, err)

	reg, err := FromCatalog(c, Deps{Provider: &completion.EchoProvider{}, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.Equal(t, []string{"explorer", "foodie", "planner"}, reg.IDs())

	a, ok := reg.Get("foodie")
	require.True(t, ok)
	_, isFoodie := a.(*Foodie)
	assert.True(t, isFoodie)

	router := NewRouter(reg, "")
	id, _, ok := router.Route("where should we eat dinner tonight?")
	require.True(t, ok)
	assert.Equal(t, "foodie", id)

	id, agent, ok := router.Route("@planner thai food")
	require.True(t, ok)
	assert.Equal(t, "planner", id)
	out, err := agent.Process(context.Background(), Request{ConversationID: "c1", Message: "@planner thai food on the weekend"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "I am Planner, specialized in planner, budget."))

	_, err = FromCatalog(c, Deps{})
	assert.True(t, apperr.IsValidation(err))
}

func TestFromCatalogResponseTimeout(t *testing.T) {
	c, err := catalog.Load("../../config/catalog.yaml")
	require.NoError(t, err)

	reg, err := FromCatalog(c, Deps{Provider: &completion.EchoProvider{}, ResponseTimeout: 250 * time.Millisecond})
	require.NoError(t, err)
	for _, id := range reg.IDs() {
		a, ok := reg.Get(id)
		require.True(t, ok)
		switch v := a.(type) {
		case *Explorer:
			assert.Equal(t, 250*time.Millisecond, v.cfg.ResponseTimeout, id)
		case *Foodie:
			assert.Equal(t, 250*time.Millisecond, v.cfg.ResponseTimeout, id)
		case *Planner:
			assert.Equal(t, 250*time.Millisecond, v.cfg.ResponseTimeout, id)
		default:
			t.Fatalf("unexpected agent %T", a)
		}
	}

	reg, err = FromCatalog(c, Deps{Provider: &completion.EchoProvider{}})
	require.NoError(t, err)
	a, _ := reg.Get("explorer")
	assert.Equal(t, DefaultResponseTimeout, a.(*Explorer).cfg.ResponseTimeout)
}
