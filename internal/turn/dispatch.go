package turn

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halvard-eng/convoengine/internal/mcp"
	"github.com/halvard-eng/convoengine/internal/policy"
	"github.com/halvard-eng/convoengine/internal/protocol"
	"github.com/halvard-eng/convoengine/internal/session"
	"github.com/halvard-eng/convoengine/internal/tools"
)

// pendingCall is one tool call the model requested in a streamed response,
// accumulated from ChunkToolCall chunks until the stream finishes.
type pendingCall struct {
	CallID    string
	Name      string
	Arguments string
}

// callResult is what dispatchCall produces for one tool call: the
// transcript items to append (a function_call + its function_call_output).
type callResult struct {
	Call   protocol.ResponseItem
	Output protocol.ResponseItem
}

// runToolCalls executes one model turn's batch of tool calls, fanning
// consecutive non-mutating calls out concurrently (via errgroup) while
// running each mutating call alone — ToolHandler.IsMutating's documented
// purpose (internal/tools/registry.go). Results are returned in the
// model's original call order regardless of completion order, since that
// order is what the next prompt's transcript must preserve.
func (e *Executor) runToolCalls(ctx context.Context, calls []pendingCall, in session.TurnInput, emit func(protocol.Event)) []callResult {
	results := make([]callResult, len(calls))
	i := 0
	for i < len(calls) {
		if e.isMutating(calls[i]) {
			results[i] = e.dispatchCall(ctx, calls[i], in.TurnContext, in, emit)
			i++
			continue
		}
		start := i
		for i < len(calls) && !e.isMutating(calls[i]) {
			i++
		}
		batch := calls[start:i]
		g, gctx := errgroup.WithContext(ctx)
		for bi, call := range batch {
			bi, call := bi, call
			g.Go(func() error {
				results[start+bi] = e.dispatchCall(gctx, call, in.TurnContext, in, emit)
				return nil
			})
		}
		_ = g.Wait() // dispatchCall never returns an error; failures are encoded in callResult
	}
	return results
}

func (e *Executor) isMutating(call pendingCall) bool {
	handler, err := e.router.Registry().GetHandler(call.Name)
	if err != nil {
		return true
	}
	return handler.IsMutating(&tools.ToolInvocation{ToolName: call.Name, Arguments: parseToolArguments(call.Arguments)})
}

// dispatchCall evaluates a tool call against the policy engine, pausing
// for approval if required, then executes it and emits the Begin/End (or
// approval-request) event pairs of spec.md §4.4.
func (e *Executor) dispatchCall(ctx context.Context, call pendingCall, tc protocol.TurnContext, in session.TurnInput, emit func(protocol.Event)) callResult {
	args := parseToolArguments(call.Arguments)

	isPatch := call.Name == "apply_patch"
	isMcp := strings.HasPrefix(call.Name, mcp.McpToolNamePrefix+mcp.McpToolNameDelimiter)

	var eval policy.Evaluation
	switch {
	case isPatch && e.allPathsSessionApproved(patchTargetPaths(args)):
		eval = policy.Evaluation{Decision: policy.AutoApprove}
	case isPatch:
		eval = e.policy.EvaluatePatch(policy.PatchAction{TargetPaths: patchTargetPaths(args)}, tc)
	case isMcp:
		// MCP tool calls are routed through the same shell-rule ladder
		// (rules 3-6), not classified as known-safe commands — the model
		// has no standard way to mark them privileged. SPEC_FULL.md §4.2
		// extension: treat as a non-privileged shell-equivalent action.
		eval = e.policy.EvaluateShell(policy.ShellAction{Command: []string{call.Name}}, tc)
	default:
		eval = e.policy.EvaluateShell(policy.ShellAction{
			Command:    shellCommandOf(args),
			Cwd:        tc.Cwd,
			Privileged: boolArg(args, "with_escalated_permissions"),
		}, tc)
	}

	if eval.Decision == policy.Reject {
		return e.rejectedResult(call, "rejected by policy")
	}

	approved := eval.Decision == policy.AutoApprove
	if !approved {
		approved = e.awaitApproval(ctx, call, args, tc, eval, in, emit)
		if !approved {
			return e.rejectedResult(call, "denied by reviewer")
		}
	}

	return e.executeCall(ctx, call, args, tc, isMcp, emit)
}

// awaitApproval emits the approval-request event and blocks on the
// caller's decision (or ctx cancellation, which counts as deny — spec.md
// §4.4's cancellation surface applies to pending approvals too).
func (e *Executor) awaitApproval(ctx context.Context, call pendingCall, args map[string]interface{}, tc protocol.TurnContext, eval policy.Evaluation, in session.TurnInput, emit func(protocol.Event)) bool {
	if in.RegisterApproval == nil {
		return false
	}
	ch := in.RegisterApproval(call.CallID)

	if eval.GrantRoot != "" {
		emit(protocol.Event{Msg: protocol.EventMsg{
			Type: protocol.MsgApplyPatchApprovalRequest,
			ApplyPatchApprovalRequest: &protocol.ApplyPatchApprovalRequestMsg{
				CallID: call.CallID, Changes: patchChangeSummary(args), Reason: eval.Reason, GrantRoot: eval.GrantRoot,
			},
		}})
	} else {
		emit(protocol.Event{Msg: protocol.EventMsg{
			Type: protocol.MsgExecApprovalRequest,
			ExecApprovalRequest: &protocol.ExecApprovalRequestMsg{
				CallID: call.CallID, Command: shellCommandOf(args), Cwd: tc.Cwd, Reason: eval.Reason,
			},
		}})
	}

	select {
	case decision := <-ch:
		if decision == protocol.DecisionApprovedForSession {
			e.markApprovedForSession(args)
		}
		return decision == protocol.DecisionApproved || decision == protocol.DecisionApprovedForSession
	case <-ctx.Done():
		return false
	}
}

// markApprovedForSession resolves spec.md §9's "ApprovedForSession" open
// question per DESIGN.md: it whitelists the change-set's exact target
// paths for the remainder of the session.
func (e *Executor) markApprovedForSession(args map[string]interface{}) {
	for _, p := range patchTargetPaths(args) {
		e.sessionApprovedPaths[p] = true
	}
}

func (e *Executor) executeCall(ctx context.Context, call pendingCall, args map[string]interface{}, tc protocol.TurnContext, isMcp bool, emit func(protocol.Event)) callResult {
	invocation := &tools.ToolInvocation{
		CallID:    call.CallID,
		ToolName:  call.Name,
		Arguments: args,
		Cwd:       tc.Cwd,
	}
	if tc.SandboxPolicy.Mode != "" {
		invocation.SandboxPolicy = &tools.SandboxPolicyRef{
			Mode:          string(tc.SandboxPolicy.Mode),
			WritableRoots: writableRootPaths(tc),
			NetworkAccess: tc.SandboxPolicy.NetworkAccess,
		}
	}
	if isMcp {
		if ref, ok := e.mcpTools[call.Name]; ok {
			invocation.McpToolRef = &tools.McpToolRef{ServerName: ref.ServerName, ToolName: ref.ToolName}
			invocation.ToolName = "mcp"
			invocation.SessionID = e.sessionID
		}
	}

	start := time.Now()
	beginMsg := e.emitBegin(call, args, isMcp, tc, emit)

	handler, err := e.router.Registry().GetHandler(invocation.ToolName)
	if err != nil {
		return e.failedResult(call, beginMsg, start, "tool not found: "+call.Name, emit, isMcp)
	}
	out, err := handler.Handle(ctx, invocation)
	if err != nil {
		return e.failedResult(call, beginMsg, start, err.Error(), emit, isMcp)
	}

	success := true
	if out.Success != nil {
		success = *out.Success
	}
	e.emitEnd(call, out.Content, success, start, isMcp, emit)

	return callResult{
		Call:   protocol.ResponseItem{Kind: protocol.ItemFunctionCall, CallID: call.CallID, ToolName: call.Name, Arguments: call.Arguments},
		Output: protocol.ResponseItem{Kind: protocol.ItemFunctionCallOutput, CallID: call.CallID, Output: out.Content, Success: &success},
	}
}

func (e *Executor) emitBegin(call pendingCall, args map[string]interface{}, isMcp bool, tc protocol.TurnContext, emit func(protocol.Event)) string {
	if isMcp {
		emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgMcpToolCallBegin, McpToolCallBegin: &protocol.McpToolCallBeginMsg{CallID: call.CallID, Invocation: call.Name}}})
		return call.Name
	}
	if call.Name == "apply_patch" {
		emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgPatchApplyBegin, PatchApplyBegin: &protocol.PatchApplyBeginMsg{CallID: call.CallID, AutoApproved: true, Changes: patchChangeSummary(args)}}})
		return ""
	}
	emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgExecCommandBegin, ExecCommandBegin: &protocol.ExecCommandBeginMsg{CallID: call.CallID, Command: shellCommandOf(args), Cwd: tc.Cwd}}})
	return ""
}

func (e *Executor) emitEnd(call pendingCall, content string, success bool, start time.Time, isMcp bool, emit func(protocol.Event)) {
	dur := protocol.NewDuration(time.Since(start))
	switch {
	case isMcp:
		emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgMcpToolCallEnd, McpToolCallEnd: &protocol.McpToolCallEndMsg{
			CallID: call.CallID, Invocation: call.Name, Duration: dur, Result: content, IsSuccess: success,
		}}})
	case call.Name == "apply_patch":
		emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgPatchApplyEnd, PatchApplyEnd: &protocol.PatchApplyEndMsg{
			CallID: call.CallID, Stdout: content, Success: success,
		}}})
	default:
		exitCode := 0
		if !success {
			exitCode = 1
		}
		emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgExecCommandEnd, ExecCommandEnd: &protocol.ExecCommandEndMsg{
			CallID: call.CallID, Stdout: content, AggregatedOutput: content, ExitCode: exitCode, Duration: dur, FormattedOutput: content,
		}}})
	}
}

func (e *Executor) failedResult(call pendingCall, beginMsg string, start time.Time, reason string, emit func(protocol.Event), isMcp bool) callResult {
	_ = beginMsg
	e.emitEnd(call, reason, false, start, isMcp, emit)
	success := false
	return callResult{
		Call:   protocol.ResponseItem{Kind: protocol.ItemFunctionCall, CallID: call.CallID, ToolName: call.Name, Arguments: call.Arguments},
		Output: protocol.ResponseItem{Kind: protocol.ItemFunctionCallOutput, CallID: call.CallID, Output: reason, Success: &success},
	}
}

func (e *Executor) rejectedResult(call pendingCall, reason string) callResult {
	success := false
	return callResult{
		Call:   protocol.ResponseItem{Kind: protocol.ItemFunctionCall, CallID: call.CallID, ToolName: call.Name, Arguments: call.Arguments},
		Output: protocol.ResponseItem{Kind: protocol.ItemFunctionCallOutput, CallID: call.CallID, Output: reason, Success: &success},
	}
}

func shellCommandOf(args map[string]interface{}) []string {
	if cmd, ok := args["command"].(string); ok && cmd != "" {
		return []string{"bash", "-c", cmd}
	}
	return nil
}

func boolArg(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// patchTargetPaths extracts the file paths an apply_patch input touches,
// by scanning its "*** Add/Update/Delete File:" headers — the same three
// headers internal/tools/patch/parser.go recognizes.
func patchTargetPaths(args map[string]interface{}) []string {
	input, _ := args["input"].(string)
	var paths []string
	for _, line := range strings.Split(input, "\n") {
		for _, prefix := range []string{"*** Add File: ", "*** Update File: ", "*** Delete File: "} {
			if strings.HasPrefix(line, prefix) {
				paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, prefix)))
			}
		}
	}
	return paths
}

func patchChangeSummary(args map[string]interface{}) map[string]string {
	changes := make(map[string]string)
	for _, p := range patchTargetPaths(args) {
		changes[p] = "update"
	}
	return changes
}

func writableRootPaths(tc protocol.TurnContext) []string {
	roots := policy.DeriveWritableRoots(tc)
	out := make([]string, len(roots))
	for i, r := range roots {
		out[i] = r.Root
	}
	return out
}
