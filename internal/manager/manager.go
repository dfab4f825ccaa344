// Package manager implements the Conversation Manager (spec.md §4.5/§4.6,
// C5): the top-level registry of live Sessions, keyed by conversation id,
// with support for creating, looking up, removing, and forking
// conversations.
//
// Grounded on _examples/original_source/codex-rs/core/src/
// conversation_manager.rs (the literal source this spec was distilled
// from — read in full) and the teacher's internal/mcp/store.go, whose
// mutex-guarded per-session map is the same shape this registry needs,
// generalized from MCP connection managers to whole Sessions.
package manager

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/halvard-eng/convoengine/internal/history"
	"github.com/halvard-eng/convoengine/internal/protocol"
	"github.com/halvard-eng/convoengine/internal/session"
	"github.com/halvard-eng/convoengine/internal/turn"
)

// entry pairs a live Session with the Executor instance feeding it, since
// forking and subagent spawn need the Executor's per-session state
// (sessionApprovedPaths) to start fresh rather than inherited.
type entry struct {
	session  *session.Session
	executor *turn.Executor
}

// Manager owns every live conversation in the process (spec.md §4.5: "a
// conversation manager maps conversation ids to Sessions"). One Manager is
// constructed per running engine; its turn.Config is shared read-only
// across every Session it creates.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry

	turnConfig turn.Config
}

// New constructs an empty Manager bound to the given Turn Executor
// configuration (model clients, tool router, policy engine — shared
// across every conversation the Manager will create).
func New(cfg turn.Config) *Manager {
	return &Manager{
		sessions:   make(map[uuid.UUID]*entry),
		turnConfig: cfg,
	}
}

// NewConversation creates and registers a fresh Session (spec.md §4.5
// new_conversation): a new conversation id, an Executor bound to it, and an
// empty transcript unless cfg.Transcript is pre-seeded (used by
// ForkConversation).
func (m *Manager) NewConversation(cfg session.Config, model string) uuid.UUID {
	id := uuid.New()
	exec := turn.NewExecutor(m.turnConfig, id.String())
	s := session.New(id, cfg, exec, model)

	m.mu.Lock()
	m.sessions[id] = &entry{session: s, executor: exec}
	m.mu.Unlock()

	return id
}

// GetConversation looks up a live Session by id (spec.md §4.5
// get_conversation).
func (m *Manager) GetConversation(id uuid.UUID) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// RemoveConversation shuts down and forgets a Session (spec.md §4.5
// remove_conversation). Removing an id that isn't registered is a no-op,
// matching conversation_manager.rs's idempotent removal.
func (m *Manager) RemoveConversation(id uuid.UUID) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		e.session.Interrupt()
	}
}

// Count returns the number of live conversations.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ForkConversation implements spec.md §4.6 fork_conversation: it takes the
// source conversation's transcript, drops its last n user turns (and
// everything after the cut, via history.Truncate — conversation_manager.rs's
// truncate_after_dropping_last_messages), and starts a brand-new Session
// seeded with what remains. The source conversation is untouched and keeps
// running; the returned id is an independent conversation sharing no state
// with it beyond the copied prefix.
func (m *Manager) ForkConversation(sourceID uuid.UUID, dropLastUserTurns int) (uuid.UUID, error) {
	src, ok := m.GetConversation(sourceID)
	if !ok {
		return uuid.Nil, fmt.Errorf("manager: conversation %s not found", sourceID)
	}

	truncated := history.Truncate(src.Transcript(), dropLastUserTurns)

	id := m.NewConversation(session.Config{
		TurnContext: src.TurnContext(),
		Transcript:  truncated,
	}, src.Model())

	return id, nil
}

// SpawnSubagent starts a new conversation seeded with no history but the
// given instructions layered as its DeveloperInstructions, for a subagent
// task dispatched from within a parent turn (SPEC_FULL.md §3.1 supplement
// to spec.md, grounded on conversation_manager.rs's finalize_spawn). It is
// otherwise a completely independent conversation: its own id, its own
// Session, its own Executor with fresh session-approved-paths state.
func (m *Manager) SpawnSubagent(parentTC protocol.TurnContext, instructions string, model string) uuid.UUID {
	cfg := m.turnConfig
	if instructions != "" {
		if cfg.DeveloperInstructions != "" {
			instructions = cfg.DeveloperInstructions + "\n\n" + instructions
		}
		cfg.DeveloperInstructions = instructions
	}
	id := uuid.New()
	exec := turn.NewExecutor(cfg, id.String())
	s := session.New(id, session.Config{TurnContext: parentTC}, exec, model)

	m.mu.Lock()
	m.sessions[id] = &entry{session: s, executor: exec}
	m.mu.Unlock()
	return id
}
