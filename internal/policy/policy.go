// Package policy implements the approval/sandbox policy layer (spec.md
// §4.2): it decides, for each candidate shell command or patch change-set,
// whether the engine may auto-approve it, must pause for user approval, or
// must reject it outright.
//
// Grounded on the teacher's internal/execpolicy (Starlark-scripted rule
// overlay) and internal/command_safety (hard-coded known-safe classifier),
// recomposed around spec.md's AutoApprove/RequestApproval/Reject triple
// instead of the teacher's own Allow/Prompt/Forbidden decision vocabulary.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/halvard-eng/convoengine/internal/command_safety"
	"github.com/halvard-eng/convoengine/internal/execpolicy"
	"github.com/halvard-eng/convoengine/internal/protocol"
)

// Decision is the outcome of evaluating a candidate action (spec.md §4.2).
type Decision int

const (
	AutoApprove Decision = iota
	RequestApproval
	Reject
)

// Evaluation is the full result of a policy check: the decision plus any
// context a caller needs to render an approval request.
type Evaluation struct {
	Decision  Decision
	Reason    string
	GrantRoot string
}

// ShellAction is a candidate shell command awaiting a policy decision.
type ShellAction struct {
	Command   []string
	Cwd       string
	Privileged bool // model explicitly marked the call as privileged (rule 4)
	ExitCode   *int // non-nil once the command has actually run, for rule 5's re-emit-on-failure path
}

// PatchAction is a candidate patch change-set awaiting a policy decision.
type PatchAction struct {
	TargetPaths []string
}

// Engine evaluates actions against a TurnContext using the rules of
// spec.md §4.2, consulting an optional Starlark rule overlay first.
type Engine struct {
	overlay *execpolicy.ExecPolicyManager // may be nil: no overlay configured
}

// NewEngine constructs a policy Engine. overlay may be nil.
func NewEngine(overlay *execpolicy.ExecPolicyManager) *Engine {
	return &Engine{overlay: overlay}
}

// EvaluateShell applies rules 1-6 of spec.md §4.2 to a candidate shell
// command.
func (e *Engine) EvaluateShell(a ShellAction, tc protocol.TurnContext) Evaluation {
	// Rule 1: DangerFullAccess + approval != UnlessTrusted -> AutoApprove.
	if tc.SandboxPolicy.Mode == protocol.SandboxDangerFullAccess && tc.ApprovalPolicy != protocol.ApprovalUnlessTrusted {
		return Evaluation{Decision: AutoApprove}
	}

	knownSafe := command_safety.IsKnownSafeCommand(a.Command)

	// The Starlark overlay, if present, may only tighten a known-safe
	// verdict (SPEC_FULL.md §4.2): it can demote "known safe" to
	// "needs a closer look", never promote an unsafe command to safe.
	if knownSafe && e.overlayForbidsOrPrompts(a.Command) {
		knownSafe = false
	}

	// Rule 2: known-safe read-only command -> AutoApprove regardless of policy.
	if knownSafe {
		return Evaluation{Decision: AutoApprove}
	}

	switch tc.ApprovalPolicy {
	case protocol.ApprovalUnlessTrusted:
		// Rule 3.
		return Evaluation{Decision: RequestApproval}
	case protocol.ApprovalOnRequest:
		// Rule 4: only escalate if the model marked the call privileged.
		if a.Privileged {
			return Evaluation{Decision: RequestApproval}
		}
		return Evaluation{Decision: AutoApprove}
	case protocol.ApprovalOnFailure:
		// Rule 5: auto-approve sandboxed; re-emit as RequestApproval only
		// once we already know it failed (ExitCode != 0).
		if a.ExitCode != nil && *a.ExitCode != 0 {
			return Evaluation{Decision: RequestApproval, Reason: "sandbox failed; retry unsandboxed?"}
		}
		return Evaluation{Decision: AutoApprove}
	case protocol.ApprovalNever:
		// Rule 6: always auto-approve; failures go back to the model only.
		return Evaluation{Decision: AutoApprove}
	default:
		return Evaluation{Decision: RequestApproval}
	}
}

// EvaluatePatch applies rule 7 of spec.md §4.2: check target paths against
// the effective writable-root set first, then fall back to the shell rules
// (3-6) using the same approval policy.
func (e *Engine) EvaluatePatch(a PatchAction, tc protocol.TurnContext) Evaluation {
	roots := DeriveWritableRoots(tc)
	for _, p := range a.TargetPaths {
		if root := offendingRoot(p, roots); root != "" {
			return Evaluation{Decision: RequestApproval, GrantRoot: root}
		}
	}
	// All target paths are within writable roots: fall through to 3-6,
	// treated like a shell action with no privileged flag.
	return e.EvaluateShell(ShellAction{}, tc)
}

// overlayForbidsOrPrompts reports whether the Starlark overlay's verdict on
// cmd is stricter than Allow.
func (e *Engine) overlayForbidsOrPrompts(cmd []string) bool {
	if e.overlay == nil {
		return false
	}
	eval := e.overlay.GetEvaluation(cmd, "unless-trusted")
	return eval.Decision != execpolicy.DecisionAllow
}

// DeriveWritableRoots implements the algorithm of spec.md §4.2: start with
// configured writable_roots, always add cwd, add /tmp unless excluded, add
// $TMPDIR unless excluded, and mark any root's .git subdirectory read-only.
func DeriveWritableRoots(tc protocol.TurnContext) []protocol.WritableRoot {
	if tc.SandboxPolicy.Mode != protocol.SandboxWorkspaceWrite {
		return nil
	}
	var candidates []string
	candidates = append(candidates, tc.SandboxPolicy.WritableRoots...)
	if tc.Cwd != "" {
		candidates = append(candidates, tc.Cwd)
	}
	if !tc.SandboxPolicy.ExcludeSlashTmp {
		candidates = append(candidates, "/tmp")
	}
	if !tc.SandboxPolicy.ExcludeTmpdirEnvVar {
		if tmpdir := tmpdirEnv(); tmpdir != "" {
			candidates = append(candidates, tmpdir)
		}
	}

	roots := make([]protocol.WritableRoot, 0, len(candidates))
	seen := map[string]bool{}
	for _, c := range candidates {
		c = filepath.Clean(c)
		if seen[c] {
			continue
		}
		seen[c] = true
		wr := protocol.WritableRoot{Root: c}
		gitDir := filepath.Join(c, ".git")
		if isDir(gitDir) {
			wr.ReadOnlySubpaths = []string{gitDir}
		}
		roots = append(roots, wr)
	}
	return roots
}

// IsWritable reports whether p descends from w.Root and from none of
// w.ReadOnlySubpaths (spec.md §3 WritableRoot invariant, §8 testable
// property).
func IsWritable(w protocol.WritableRoot, p string) bool {
	if !descends(p, w.Root) {
		return false
	}
	for _, ro := range w.ReadOnlySubpaths {
		if descends(p, ro) {
			return false
		}
	}
	return true
}

func offendingRoot(p string, roots []protocol.WritableRoot) string {
	for _, w := range roots {
		if IsWritable(w, p) {
			return ""
		}
	}
	// No configured root covers p: the offending ancestor is the path's
	// own parent directory, since no root claims it.
	return filepath.Dir(p)
}

func descends(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
