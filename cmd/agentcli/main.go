// Command agentcli is the reference driver for the conversation engine
// (spec.md §4.7, C8): a thin line-mode front end that issues Submissions to
// a Manager-owned Session and renders the Events it produces. It carries no
// policy or turn-loop logic of its own — that all lives in
// internal/{session,turn,policy,manager}.
//
// Grounded on the teacher's cmd/cli/main.go (worker bootstrap: construct
// clients, wire activities, start serving) with the Temporal worker/client
// bootstrap replaced by direct in-process construction of a
// manager.Manager, since there is no external workflow host to dial.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/halvard-eng/convoengine/internal/instructions"
	"github.com/halvard-eng/convoengine/internal/llm"
	"github.com/halvard-eng/convoengine/internal/manager"
	"github.com/halvard-eng/convoengine/internal/mcp"
	"github.com/halvard-eng/convoengine/internal/policy"
	"github.com/halvard-eng/convoengine/internal/protocol"
	"github.com/halvard-eng/convoengine/internal/session"
	"github.com/halvard-eng/convoengine/internal/tools"
	"github.com/halvard-eng/convoengine/internal/tools/handlers"
	"github.com/halvard-eng/convoengine/internal/turn"
)

func main() {
	model := flag.String("model", "gpt-4o", "model to use (claude-* routes to Anthropic, everything else to OpenAI)")
	approval := flag.String("approval", string(protocol.ApprovalOnRequest), "approval policy: untrusted|on-failure|on-request|never")
	sandbox := flag.String("sandbox", string(protocol.SandboxWorkspaceWrite), "sandbox mode: danger-full-access|read-only|workspace-write")
	flag.Parse()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcli: cannot resolve cwd:", err)
		os.Exit(1)
	}

	registry := tools.NewToolRegistry()
	registry.Register(handlers.NewShellTool())
	registry.Register(handlers.NewReadFileTool())
	registry.Register(handlers.NewApplyPatchTool())
	registry.Register(handlers.NewListDirTool())
	registry.Register(handlers.NewGrepFilesTool())
	registry.Register(handlers.NewMCPHandler(mcp.NewMcpStore()))

	specs := []tools.ToolSpec{
		tools.NewShellToolSpec(),
		tools.NewReadFileToolSpec(),
		tools.NewApplyPatchToolSpec(),
		tools.NewListDirToolSpec(),
		tools.NewGrepFilesToolSpec(),
	}
	router := tools.NewToolRouter(registry, specs)

	gitRoot, _ := instructions.FindGitRoot(cwd)
	projectDocs, _ := instructions.LoadProjectDocs(gitRoot, cwd)

	mgr := manager.New(turn.Config{
		Streaming:             llmClient(),
		Compactor:             llmClient(),
		Tools:                 router,
		Policy:                policy.NewEngine(nil),
		McpTools:              map[string]tools.McpToolRef{},
		BaseInstructions:      instructions.GetBaseInstructions(""),
		DeveloperInstructions: instructions.ComposeDeveloperInstructions(*approval, cwd),
		UserInstructions:      projectDocs,
		ContextWindow:         contextWindowFor(*model),
	})

	id := mgr.NewConversation(session.Config{
		TurnContext: protocol.TurnContext{
			Cwd:            cwd,
			ApprovalPolicy: protocol.AskForApproval(*approval),
			SandboxPolicy:  protocol.SandboxPolicy{Mode: protocol.SandboxMode(*sandbox), WritableRoots: []string{cwd}},
			Model:          *model,
		},
	}, *model)

	sess, _ := mgr.GetConversation(id)
	runREPL(sess)
}

// llmClient wires both StreamingClient and LLMClient to the same
// MultiProviderClient — it dispatches each call by the request's
// ModelConfig.Provider field, so one instance serves every conversation's
// turn.Config regardless of which model the user picks at the prompt.
func llmClient() *llm.MultiProviderClient {
	return llm.NewMultiProviderClient()
}

func contextWindowFor(model string) uint64 {
	switch model {
	case "gpt-4o", "gpt-4.1", "gpt-4o-mini":
		return 128_000
	case "claude-opus-4", "claude-sonnet-4":
		return 200_000
	default:
		return 128_000
	}
}

// runREPL drains sess.NextEvent() on a background goroutine so Events print
// as they stream in while the foreground goroutine reads stdin lines and
// answers pending approval prompts.
func runREPL(sess *session.Session) {
	go renderEvents(sess)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Println("agentcli ready. Type a message and press enter; /quit to exit.")
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "/quit":
			sess.Submit(protocol.Submission{ID: uuid.NewString(), Op: protocol.Op{Type: protocol.OpShutdown}})
			return
		case line == "":
			continue
		case strings.HasPrefix(line, "/approve ") || strings.HasPrefix(line, "/deny "):
			resolveApproval(sess, line)
		default:
			sess.Submit(protocol.Submission{
				ID: uuid.NewString(),
				Op: protocol.Op{
					Type: protocol.OpUserInput,
					UserInput: &protocol.UserInputOp{
						Items: []protocol.InputItem{{Type: protocol.InputItemText, Text: line}},
					},
				},
			})
		}
	}
}

func resolveApproval(sess *session.Session, line string) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		fmt.Println("usage: /approve <call_id> | /deny <call_id>")
		return
	}
	decision := protocol.DecisionApproved
	if strings.HasPrefix(line, "/deny") {
		decision = protocol.DecisionDenied
	}
	sess.Submit(protocol.Submission{
		ID: uuid.NewString(),
		Op: protocol.Op{
			Type:         protocol.OpExecApproval,
			ExecApproval: &protocol.ExecApprovalOp{ID: fields[1], Decision: decision},
		},
	})
}

// renderEvents prints each Event's payload in a compact, script-friendly
// form. A richer TUI (progress spinners, diff coloring, markdown) is a
// reasonable follow-up driver alongside this one, but is not built here —
// see DESIGN.md's disposition note for internal/cli.
func renderEvents(sess *session.Session) {
	for {
		ev, ok := sess.NextEvent()
		if !ok {
			return
		}
		switch ev.Msg.Type {
		case protocol.MsgAgentMessageDelta:
			fmt.Print(ev.Msg.AgentMessageDelta.Delta)
		case protocol.MsgAgentMessage:
			fmt.Println()
		case protocol.MsgExecCommandBegin:
			fmt.Printf("\n$ %s\n", strings.Join(ev.Msg.ExecCommandBegin.Command, " "))
		case protocol.MsgExecCommandEnd:
			fmt.Print(ev.Msg.ExecCommandEnd.AggregatedOutput)
		case protocol.MsgExecApprovalRequest:
			fmt.Printf("\napproval requested for %s [%s] — reply /approve %s or /deny %s\n",
				strings.Join(ev.Msg.ExecApprovalRequest.Command, " "), ev.Msg.ExecApprovalRequest.Reason,
				ev.Msg.ExecApprovalRequest.CallID, ev.Msg.ExecApprovalRequest.CallID)
		case protocol.MsgApplyPatchApprovalRequest:
			fmt.Printf("\npatch approval requested (%d files) — reply /approve %s or /deny %s\n",
				len(ev.Msg.ApplyPatchApprovalRequest.Changes), ev.Msg.ApplyPatchApprovalRequest.CallID, ev.Msg.ApplyPatchApprovalRequest.CallID)
		case protocol.MsgStreamError:
			fmt.Printf("\nstream error: %s\n", ev.Msg.StreamError.Message)
		case protocol.MsgTaskComplete:
			fmt.Println("\n--- turn complete ---")
		case protocol.MsgError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Msg.Error.Message)
		}
	}
}

func init() {
	slog.SetLogLoggerLevel(slog.LevelWarn)
}
