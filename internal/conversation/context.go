package conversation

import (
	"sort"
	"sync"
	"time"
)

// Defaults for a conversation context
const (
	MaxShortTermMessages = 50
	MaxContextAge        = 24 * time.Hour
	EmbeddingDimension   = 1536
)

// Pair is an ordered (previous sender, current sender) interaction
type Pair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// String renders the pair as "from-to"
func (p Pair) String() string { return p.From + "-" + p.To }

// TopicChange is one entry of the topic-flow log
type TopicChange struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
}

// ConversationContext is the bounded in-memory state of one conversation.
// Only Manager mutates it; the exported methods are read-only.
type ConversationContext struct {
	id          string
	maxMessages int
	maxAge      time.Duration

	mu            sync.RWMutex
	memory        []Message
	embeddings    map[string][]float32
	participation map[string]int
	responseTimes map[string][]float64
	pairs         map[Pair]int
	topics        []TopicChange
	lastUpdated   time.Time
}

func newContext(id string, maxMessages int, maxAge time.Duration, now time.Time) *ConversationContext {
	return &ConversationContext{
		id:            id,
		maxMessages:   maxMessages,
		maxAge:        maxAge,
		embeddings:    make(map[string][]float32),
		participation: make(map[string]int),
		responseTimes: make(map[string][]float64),
		pairs:         make(map[Pair]int),
		lastUpdated:   now,
	}
}

// ID returns the conversation id
func (c *ConversationContext) ID() string { return c.id }

// addMessage appends msg, evicts the oldest message on overflow and folds msg
// into the group dynamics. It returns the ids that were evicted.
func (c *ConversationContext) addMessage(msg Message, now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev *Message
	if n := len(c.memory); n > 0 {
		p := c.memory[n-1]
		prev = &p
	}

	c.memory = append(c.memory, msg.clone())
	var evicted []string
	for len(c.memory) > c.maxMessages {
		evicted = append(evicted, c.memory[0].ID)
		c.memory[0] = Message{}
		c.memory = c.memory[1:]
	}
	if len(evicted) > 0 {
		c.pruneEmbeddingsLocked()
	}

	c.participation[msg.SenderID]++
	if prev != nil {
		rt := msg.Timestamp.Sub(prev.Timestamp).Seconds()
		c.responseTimes[msg.SenderID] = append(c.responseTimes[msg.SenderID], rt)
		c.pairs[Pair{From: prev.SenderID, To: msg.SenderID}]++
	}
	c.lastUpdated = now
	return evicted
}

// recordEmbedding keeps vec for id if the message is still in memory
func (c *ConversationContext) recordEmbedding(id string, vec []float32, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.containsLocked(id) {
		return false
	}
	c.embeddings[id] = vec
	c.lastUpdated = now
	return true
}

func (c *ConversationContext) recordTopic(topic string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, TopicChange{Topic: topic, At: now})
	c.lastUpdated = now
}

func (c *ConversationContext) containsLocked(id string) bool {
	for i := range c.memory {
		if c.memory[i].ID == id {
			return true
		}
	}
	return false
}

func (c *ConversationContext) pruneEmbeddingsLocked() {
	live := make(map[string]struct{}, len(c.memory))
	for _, m := range c.memory {
		live[m.ID] = struct{}{}
	}
	for id := range c.embeddings {
		if _, ok := live[id]; !ok {
			delete(c.embeddings, id)
		}
	}
}

// Messages returns a copy of short-term memory, oldest first
func (c *ConversationContext) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.memory))
	for i, m := range c.memory {
		out[i] = m.clone()
	}
	return out
}

// Message looks up a message still held in memory
func (c *ConversationContext) Message(id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.memory {
		if m.ID == id {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Embedding returns the stored embedding of a message
func (c *ConversationContext) Embedding(id string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.embeddings[id]
	return v, ok
}

// EmbeddingIDs lists the message ids that have an embedding, sorted
func (c *ConversationContext) EmbeddingIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.embeddings))
	for id := range c.embeddings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecentContext returns the last limit messages and whichever of them have embeddings
func (c *ConversationContext) RecentContext(limit int) ([]Message, map[string][]float32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 || limit > len(c.memory) {
		limit = len(c.memory)
	}
	recent := c.memory[len(c.memory)-limit:]
	msgs := make([]Message, len(recent))
	embs := make(map[string][]float32)
	for i, m := range recent {
		msgs[i] = m.clone()
		if v, ok := c.embeddings[m.ID]; ok {
			embs[m.ID] = v
		}
	}
	return msgs, embs
}

// LastUpdated is the time of the last mutation
func (c *ConversationContext) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// IsStale reports whether the context has been idle longer than its maximum age
func (c *ConversationContext) IsStale(now time.Time) bool {
	return now.Sub(c.LastUpdated()) > c.maxAge
}

// DynamicsOptions narrows a GroupDynamics snapshot
type DynamicsOptions struct {
	// TopicLimit keeps only the last n topic changes; zero keeps all
	TopicLimit int
}

// GroupDynamics is a point-in-time view of who talks, how fast and to whom
type GroupDynamics struct {
	ConversationID      string               `json:"conversation_id"`
	Participation       map[string]int       `json:"participation_metrics"`
	ResponseTimes       map[string][]float64 `json:"response_times"`
	AvgResponseTimes    map[string]float64   `json:"avg_response_times"`
	InteractionPairs    map[Pair]int         `json:"-"`
	InteractionStrength map[Pair]float64     `json:"-"`
	ActiveUsers         []string             `json:"active_users"`
	TotalMessages       int                  `json:"total_messages"`
	TopicFlow           []TopicChange        `json:"topic_flow"`
}

// ActiveUserCount is the number of distinct senders
func (g GroupDynamics) ActiveUserCount() int { return len(g.ActiveUsers) }

// Dynamics computes the current group dynamics
func (c *ConversationContext) Dynamics(opts DynamicsOptions) GroupDynamics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gd := GroupDynamics{
		ConversationID:      c.id,
		Participation:       make(map[string]int, len(c.participation)),
		ResponseTimes:       make(map[string][]float64, len(c.responseTimes)),
		AvgResponseTimes:    make(map[string]float64, len(c.responseTimes)),
		InteractionPairs:    make(map[Pair]int, len(c.pairs)),
		InteractionStrength: make(map[Pair]float64, len(c.pairs)),
		ActiveUsers:         make([]string, 0, len(c.participation)),
	}
	for user, n := range c.participation {
		gd.Participation[user] = n
		gd.ActiveUsers = append(gd.ActiveUsers, user)
		gd.TotalMessages += n
	}
	sort.Strings(gd.ActiveUsers)

	for user, times := range c.responseTimes {
		gd.ResponseTimes[user] = append([]float64(nil), times...)
		if len(times) == 0 {
			continue
		}
		var sum float64
		for _, t := range times {
			sum += t
		}
		gd.AvgResponseTimes[user] = sum / float64(len(times))
	}

	var total int
	for p, n := range c.pairs {
		gd.InteractionPairs[p] = n
		total += n
	}
	if total > 0 {
		for p, n := range c.pairs {
			gd.InteractionStrength[p] = float64(n) / float64(total)
		}
	}

	topics := c.topics
	if opts.TopicLimit > 0 && len(topics) > opts.TopicLimit {
		topics = topics[len(topics)-opts.TopicLimit:]
	}
	gd.TopicFlow = append([]TopicChange(nil), topics...)
	return gd
}
