// Package session implements the per-conversation turn-loop task (spec.md
// §4.3): it owns the submission queue, the event queue, the pending
// approvals registry, and serializes turn execution so that only one turn
// ever runs at a time for a given conversation.
//
// Grounded on the teacher's internal/workflow/control.go (LoopControl's
// phase/approval/escalation coordination, here rendered as channels and
// context cancellation instead of workflow.Await predicates) and
// internal/workflow/agentic.go's top-level loop shape (build state, then
// run the multi-turn loop) — see DESIGN.md's C3 entry.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/halvard-eng/convoengine/internal/protocol"
)

// TurnInput is what the session hands to a TurnRunner to execute one turn.
type TurnInput struct {
	SubmissionID string
	Transcript   protocol.Transcript
	TurnContext  protocol.TurnContext
	Items        []protocol.InputItem

	// RegisterApproval installs a pending-approval waiter under id (by
	// convention, the tool call's call_id — spec.md §4.4) and returns the
	// channel that receives the caller's eventual ReviewDecision. The
	// Session resolves it when a matching ExecApproval/PatchApproval
	// Submission arrives, or aborts it on Interrupt.
	RegisterApproval func(id string) <-chan protocol.ReviewDecision
}

// TurnResult is what a TurnRunner reports back once a turn ends, however
// it ends.
type TurnResult struct {
	AppendedItems protocol.Transcript
	TokenUsage    protocol.TokenUsage
	Aborted       bool
	AbortReason   protocol.TurnAbortReason
}

// TurnRunner executes one user turn, emitting Events tagged with the
// turn's submission id via emit, and observing ctx for cancellation
// (spec.md §4.4's cancellation surface). It is supplied by the
// Conversation Manager at session construction (internal/turn implements
// it) so that this package never imports internal/turn, keeping the
// dependency direction Manager → {Session, Turn} rather than Session →
// Turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, in TurnInput, emit func(protocol.Event)) TurnResult
}

// approvalWaiter is a pending approval or escalation awaiting a caller
// decision, keyed by the call_id of the tool call that requested approval
// (not by the turn's submission id).
type approvalWaiter struct {
	ch chan protocol.ReviewDecision
}

// Session is one conversation: the turn loop, transcript, pending
// approvals, and current TurnContext (spec.md §3 Session entity).
type Session struct {
	ConversationID uuid.UUID

	log *slog.Logger

	submissions *eventQueue[protocol.Submission]
	events      *eventQueue[protocol.Event]

	runner TurnRunner

	model string

	mu              sync.Mutex
	transcript      protocol.Transcript
	turnContext     protocol.TurnContext
	tokenUsage      protocol.TokenUsage
	historyLogID    uint64
	pendingApprovals map[string]*approvalWaiter

	currentTurnCancel context.CancelFunc
	currentTurnID     string
	turnInFlight      chan struct{} // non-nil while a turn goroutine is running

	closeOnce sync.Once
}

// Config seeds a new Session: initial turn context and (for forking)
// initial transcript.
type Config struct {
	TurnContext protocol.TurnContext
	Transcript  protocol.Transcript
}

// New constructs a Session and starts its turn-loop goroutine. The first
// event it ever produces is SessionConfigured{id==INITIAL_SUBMIT_ID}
// (spec.md §3 Invariants), pushed before New returns so callers that
// immediately call NextEvent observe it first.
func New(id uuid.UUID, cfg Config, runner TurnRunner, model string) *Session {
	s := &Session{
		ConversationID:   id,
		log:              slog.With("conversation_id", id.String()),
		submissions:      newEventQueue[protocol.Submission](),
		events:           newEventQueue[protocol.Event](),
		runner:           runner,
		model:            model,
		transcript:       cfg.Transcript,
		turnContext:      cfg.TurnContext,
		pendingApprovals: make(map[string]*approvalWaiter),
	}

	s.events.push(protocol.Event{
		ID: protocol.INITIAL_SUBMIT_ID,
		Msg: protocol.EventMsg{
			Type: protocol.MsgSessionConfigured,
			SessionConfigured: &protocol.SessionConfiguredMsg{
				SessionID:         id.String(),
				Model:             model,
				HistoryLogID:      0,
				HistoryEntryCount: uint64(len(cfg.Transcript)),
			},
		},
	})

	go s.loop()
	return s
}

// Submit appends a submission to the queue; Interrupt is handled inline by
// the loop ahead of queued work (spec.md §4.3: "submissions that arrive
// mid-turn queue (except Interrupt, which is handled immediately)").
func (s *Session) Submit(sub protocol.Submission) {
	if sub.Op.Type == protocol.OpInterrupt {
		s.handleInterrupt()
		return
	}
	s.submissions.push(sub)
}

// NextEvent dequeues the next Event, blocking until one is available.
// Returns ok=false once the session has shut down and drained.
func (s *Session) NextEvent() (protocol.Event, bool) {
	return s.events.pop()
}

// Interrupt is sugar for Submit(Submission{Op: Op{Type: OpInterrupt}}).
func (s *Session) Interrupt() {
	s.handleInterrupt()
}

// Transcript returns a snapshot of the current transcript (used by
// fork_conversation, spec.md §4.5).
func (s *Session) Transcript() protocol.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(protocol.Transcript, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// TurnContext returns a snapshot of the session's current TurnContext
// (used by fork_conversation to seed the forked session with the same
// cwd/approval/sandbox policy).
func (s *Session) TurnContext() protocol.TurnContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnContext
}

// Model returns the model this session was configured with.
func (s *Session) Model() string {
	return s.model
}

func (s *Session) handleInterrupt() {
	s.mu.Lock()
	cancel := s.currentTurnCancel
	turnID := s.currentTurnID
	s.mu.Unlock()
	if cancel == nil {
		// spec.md §8 boundary behavior: Interrupt with no active turn is a
		// no-op — no event emitted.
		return
	}
	cancel()
	s.resolveAllApprovals(protocol.DecisionAbort)
	_ = turnID // TurnAborted is emitted by the loop once RunTurn returns.
}

func (s *Session) resolveAllApprovals(decision protocol.ReviewDecision) {
	s.mu.Lock()
	waiters := make([]*approvalWaiter, 0, len(s.pendingApprovals))
	for id, w := range s.pendingApprovals {
		waiters = append(waiters, w)
		delete(s.pendingApprovals, id)
	}
	s.mu.Unlock()
	for _, w := range waiters {
		select {
		case w.ch <- decision:
		default:
		}
	}
}

// ResolveApproval delivers a caller decision to a pending ExecApproval or
// PatchApproval waiter. Returns false (caller must emit Error) if no
// waiter is registered under id (spec.md §4.3 rule 4, §8 boundary
// behavior).
func (s *Session) ResolveApproval(id string, decision protocol.ReviewDecision) bool {
	s.mu.Lock()
	w, ok := s.pendingApprovals[id]
	if ok {
		delete(s.pendingApprovals, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- decision
	return true
}

// RegisterApproval installs a waiter under id and returns a channel that
// receives exactly one ReviewDecision. Used by internal/turn when it needs
// to pause a tool call pending approval.
func (s *Session) RegisterApproval(id string) <-chan protocol.ReviewDecision {
	w := &approvalWaiter{ch: make(chan protocol.ReviewDecision, 1)}
	s.mu.Lock()
	s.pendingApprovals[id] = w
	s.mu.Unlock()
	return w.ch
}

// emit is the callback passed to TurnRunner.RunTurn.
func (s *Session) emit(ev protocol.Event) {
	s.events.push(ev)
}

func (s *Session) loop() {
	for {
		sub, ok := s.submissions.pop()
		if !ok {
			return
		}
		s.handle(sub)
	}
}

func (s *Session) handle(sub protocol.Submission) {
	switch sub.Op.Type {
	case protocol.OpShutdown:
		s.events.push(protocol.Event{ID: sub.ID, Msg: protocol.EventMsg{Type: protocol.MsgShutdownComplete}})
		s.resolveAllApprovals(protocol.DecisionAbort)
		s.submissions.close()
		s.closeOnce.Do(s.events.close)

	case protocol.OpUserInput, protocol.OpUserTurn:
		s.runTurn(sub)

	case protocol.OpExecApproval:
		if !s.ResolveApproval(sub.Op.ExecApproval.ID, sub.Op.ExecApproval.Decision) {
			s.emitError(sub.ID, "no pending exec approval for id")
		}

	case protocol.OpPatchApproval:
		if !s.ResolveApproval(sub.Op.PatchApproval.ID, sub.Op.PatchApproval.Decision) {
			s.emitError(sub.ID, "no pending patch approval for id")
		}

	case protocol.OpOverrideTurnContext:
		s.mu.Lock()
		s.turnContext = s.turnContext.Merge(sub.Op.OverrideTurnContext)
		s.mu.Unlock()
		// spec.md §4.3 rule 7: merge only, no event.

	case protocol.OpGetHistory:
		s.events.push(protocol.Event{ID: sub.ID, Msg: protocol.EventMsg{
			Type:                protocol.MsgConversationHistory,
			ConversationHistory: &protocol.ConversationHistoryMsg{Items: s.Transcript()},
		}})

	case protocol.OpCompact:
		s.runCompact(sub)

	case protocol.OpAddToHistory, protocol.OpGetHistoryEntryRequest, protocol.OpListMcpTools, protocol.OpListCustomPrompts:
		// No history store, MCP registry or prompt source is attached to
		// a Session (internal/manager wires none), so these query ops are
		// answered with an Error event.
		s.emitError(sub.ID, "query op not wired: "+string(sub.Op.Type))

	default:
		s.emitError(sub.ID, "unknown op")
	}
}

func (s *Session) emitError(id, message string) {
	s.events.push(protocol.Event{ID: id, Msg: protocol.EventMsg{Type: protocol.MsgError, Error: &protocol.ErrorMsg{Message: message}}})
}

// runTurn implements spec.md §4.3 step 2-3: merge input into turn_context,
// emit TaskStarted, spawn the Turn Executor, and track it as current_turn
// so a subsequent Interrupt can cancel it.
func (s *Session) runTurn(sub protocol.Submission) {
	s.mu.Lock()
	if sub.Op.Type == protocol.OpUserTurn {
		t := sub.Op.UserTurn
		s.turnContext = protocol.TurnContext{
			Cwd: t.Cwd, ApprovalPolicy: t.ApprovalPolicy, SandboxPolicy: t.SandboxPolicy,
			Model: t.Model, Effort: t.Effort, Summary: t.Summary,
		}
	}
	tc := s.turnContext
	transcript := append(protocol.Transcript(nil), s.transcript...)
	s.mu.Unlock()

	var items []protocol.InputItem
	switch sub.Op.Type {
	case protocol.OpUserTurn:
		items = sub.Op.UserTurn.Items
	case protocol.OpUserInput:
		items = sub.Op.UserInput.Items
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.currentTurnCancel = cancel
	s.currentTurnID = sub.ID
	s.mu.Unlock()

	s.events.push(protocol.Event{ID: sub.ID, Msg: protocol.EventMsg{
		Type:         protocol.MsgTaskStarted,
		TaskStarted:  &protocol.TaskStartedMsg{ModelContextWindow: contextWindowFor(tc.Model)},
	}})

	result := s.runner.RunTurn(ctx, TurnInput{
		SubmissionID:      sub.ID,
		Transcript:        transcript,
		TurnContext:       tc,
		Items:             items,
		RegisterApproval:  s.RegisterApproval,
	}, func(ev protocol.Event) {
		ev.ID = sub.ID
		s.emit(ev)
	})

	s.mu.Lock()
	s.currentTurnCancel = nil
	s.currentTurnID = ""
	s.transcript = append(s.transcript, result.AppendedItems...)
	s.tokenUsage = result.TokenUsage
	s.mu.Unlock()
	cancel()

	if result.Aborted {
		s.events.push(protocol.Event{ID: sub.ID, Msg: protocol.EventMsg{
			Type:        protocol.MsgTurnAborted,
			TurnAborted: &protocol.TurnAbortedMsg{Reason: result.AbortReason},
		}})
	}
}

// runCompact implements spec.md §4.3 step 8: run a synthetic turn asking
// the model to summarize, then replace the whole prior transcript with
// that turn's AppendedItems. The synthetic turn is just RunTurn with a
// fixed instruction, run like any other turn, so AppendedItems holds the
// summarize request followed by the model's reply.
func (s *Session) runCompact(sub protocol.Submission) {
	s.mu.Lock()
	tc := s.turnContext
	transcript := append(protocol.Transcript(nil), s.transcript...)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := s.runner.RunTurn(ctx, TurnInput{
		SubmissionID: sub.ID,
		Transcript:   transcript,
		TurnContext:  tc,
		Items: []protocol.InputItem{{
			Type: protocol.InputItemText,
			Text: "Summarize the conversation so far so it can replace this history.",
		}},
	}, func(ev protocol.Event) {
		ev.ID = sub.ID
		s.emit(ev)
	})

	s.mu.Lock()
	// Per DESIGN.md's resolution of spec.md §9's open question: compaction
	// drops the compacted prefix entirely, keeping only the summarize turn.
	s.transcript = result.AppendedItems
	s.mu.Unlock()
}

// contextWindowFor resolves a model's context window for TaskStarted's
// model_context_window field. A small hard-coded table covers the models
// this engine ships providers for; unknown models get a conservative
// default.
func contextWindowFor(model string) uint64 {
	switch model {
	case "gpt-4o", "gpt-4.1":
		return 128_000
	case "claude-opus-4", "claude-sonnet-4":
		return 200_000
	default:
		return 128_000
	}
}
