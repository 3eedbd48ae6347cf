package activityhandlers

import (
	"context"
	"fmt"
	"sync"

	"goa.design/durable/agentturn"
)

// InMemoryAgentStore is a fixed, preloaded AgentStore for tests and
// single-process deployments where agent configuration is supplied at
// startup rather than fetched from a control plane.
type InMemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]AgentConfig
}

// NewInMemoryAgentStore returns a store preloaded with agents.
func NewInMemoryAgentStore(agents map[string]AgentConfig) *InMemoryAgentStore {
	cp := make(map[string]AgentConfig, len(agents))
	for k, v := range agents {
		cp[k] = v
	}
	return &InMemoryAgentStore{agents: cp}
}

// Put registers or replaces an agent's configuration.
func (s *InMemoryAgentStore) Put(agentID string, cfg AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = cfg
}

// LoadAgent implements AgentStore.
func (s *InMemoryAgentStore) LoadAgent(ctx context.Context, agentID string) (AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.agents[agentID]
	if !ok {
		return AgentConfig{}, fmt.Errorf("activityhandlers: unknown agent %q", agentID)
	}
	return cfg, nil
}

// InMemoryMessageStore keeps per-session transcripts in memory,
// de-duplicating saves by the caller-supplied idempotency key.
type InMemoryMessageStore struct {
	mu       sync.Mutex
	messages map[string][]agentturn.Message
	seen     map[string]struct{}
}

// NewInMemoryMessageStore returns an empty store.
func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{
		messages: make(map[string][]agentturn.Message),
		seen:     make(map[string]struct{}),
	}
}

// LoadMessages implements MessageStore.
func (s *InMemoryMessageStore) LoadMessages(ctx context.Context, sessionID string) ([]agentturn.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]agentturn.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// SaveMessage implements MessageStore.
func (s *InMemoryMessageStore) SaveMessage(ctx context.Context, sessionID, idempotencyKey string, msg agentturn.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionID + "/" + idempotencyKey
	if _, dup := s.seen[key]; dup {
		return nil
	}
	s.seen[key] = struct{}{}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

// InMemorySessionStore tracks session status in memory.
type InMemorySessionStore struct {
	mu       sync.Mutex
	statuses map[string]string
}

// NewInMemorySessionStore returns an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{statuses: make(map[string]string)}
}

// UpdateStatus implements SessionStore.
func (s *InMemorySessionStore) UpdateStatus(ctx context.Context, sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sessionID] = status
	return nil
}

// Status returns the last status recorded for sessionID, for assertions in
// tests.
func (s *InMemorySessionStore) Status(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[sessionID]
}

// ToolFunc adapts a plain function to ToolExecutor for a single named tool.
type ToolFunc func(ctx context.Context, sessionID string, tc agentturn.ToolCall) (agentturn.ToolResultData, error)

// ToolRegistry dispatches execute-single-tool calls to named ToolFuncs,
// deduplicating by ToolCall.ID so a re-driven tool call is not
// re-executed.
type ToolRegistry struct {
	mu      sync.Mutex
	tools   map[string]ToolFunc
	results map[string]agentturn.ToolResultData
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]ToolFunc),
		results: make(map[string]agentturn.ToolResultData),
	}
}

// Register associates a tool name with its implementation.
func (r *ToolRegistry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// Execute implements ToolExecutor.
func (r *ToolRegistry) Execute(ctx context.Context, sessionID string, tc agentturn.ToolCall) (agentturn.ToolResultData, error) {
	r.mu.Lock()
	if result, ok := r.results[tc.ID]; ok {
		r.mu.Unlock()
		return result, nil
	}
	fn, ok := r.tools[tc.Name]
	r.mu.Unlock()
	if !ok {
		return agentturn.ToolResultData{}, fmt.Errorf("activityhandlers: unknown tool %q", tc.Name)
	}

	result, err := fn(ctx, sessionID, tc)
	if err != nil {
		return agentturn.ToolResultData{}, err
	}

	r.mu.Lock()
	r.results[tc.ID] = result
	r.mu.Unlock()
	return result, nil
}
