package protocol

// AskForApproval controls how aggressively the policy layer escalates
// candidate actions to the user for approval. Wire tags per spec.md §6.
type AskForApproval string

const (
	ApprovalUnlessTrusted AskForApproval = "untrusted"
	ApprovalOnFailure     AskForApproval = "on-failure"
	ApprovalOnRequest     AskForApproval = "on-request"
	ApprovalNever         AskForApproval = "never"
)

// SandboxMode discriminates the SandboxPolicy tagged union.
type SandboxMode string

const (
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
)

// SandboxPolicy constrains filesystem writes and network access for tool
// calls. WorkspaceWrite-only fields are zero-valued for the other modes.
type SandboxPolicy struct {
	Mode                 SandboxMode `json:"mode"`
	WritableRoots        []string    `json:"writable_roots,omitempty"`
	NetworkAccess        bool        `json:"network_access,omitempty"`
	ExcludeTmpdirEnvVar  bool        `json:"exclude_tmpdir_env_var,omitempty"`
	ExcludeSlashTmp      bool        `json:"exclude_slash_tmp,omitempty"`
}

// IsRestricted reports whether this policy constrains writes at all (i.e.
// is not DangerFullAccess).
func (p SandboxPolicy) IsRestricted() bool {
	return p.Mode != SandboxDangerFullAccess
}

// TurnContext is the mutable per-session configuration that governs a turn:
// working directory, approval/sandbox policy, and model selection. It is
// set wholesale by UserTurn and merged field-by-field by
// OverrideTurnContext.
type TurnContext struct {
	Cwd            string         `json:"cwd"`
	ApprovalPolicy AskForApproval `json:"approval_policy"`
	SandboxPolicy  SandboxPolicy  `json:"sandbox_policy"`
	Model          string         `json:"model"`
	Effort         string         `json:"effort,omitempty"`
	Summary        string         `json:"summary,omitempty"`
}

// Merge applies the non-nil fields of an OverrideTurnContextOp onto a copy
// of tc, returning the merged result. Fields left nil in the override are
// left unchanged.
func (tc TurnContext) Merge(o *OverrideTurnContextOp) TurnContext {
	if o == nil {
		return tc
	}
	if o.Cwd != nil {
		tc.Cwd = *o.Cwd
	}
	if o.ApprovalPolicy != nil {
		tc.ApprovalPolicy = *o.ApprovalPolicy
	}
	if o.SandboxPolicy != nil {
		tc.SandboxPolicy = *o.SandboxPolicy
	}
	if o.Model != nil {
		tc.Model = *o.Model
	}
	if o.Effort != nil {
		tc.Effort = *o.Effort
	}
	if o.Summary != nil {
		tc.Summary = *o.Summary
	}
	return tc
}

// WritableRoot is a directory prefix under which writes are allowed, minus
// explicitly read-only subpaths (typically "<root>/.git").
type WritableRoot struct {
	Root             string   `json:"root"`
	ReadOnlySubpaths []string `json:"read_only_subpaths"`
}
