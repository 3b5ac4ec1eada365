// Package supervisor implements the multi-workspace agent supervisor core:
// a deterministic event-sourced reducer, the supervisor loop, the dispatch
// executor, the router, and the chat controller.
package supervisor

import "encoding/json"

// Health is the connectivity/liveness classification of a workspace.
type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthStale        Health = "stale"
	HealthDisconnected Health = "disconnected"
)

// ThreadStatus is the lifecycle state of a thread within a workspace.
type ThreadStatus string

const (
	ThreadIdle          ThreadStatus = "idle"
	ThreadRunning       ThreadStatus = "running"
	ThreadWaitingInput  ThreadStatus = "waiting_input"
	ThreadFailed        ThreadStatus = "failed"
	ThreadCompleted     ThreadStatus = "completed"
	ThreadStalled       ThreadStatus = "stalled"
)

// JobStatus is the lifecycle state of a dispatched job (subtask).
type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobQueued          JobStatus = "queued"
	JobRunning         JobStatus = "running"
	JobWaitingForUser  JobStatus = "waiting_for_user"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
)

// SignalKind classifies an actionable operator alert.
type SignalKind string

const (
	SignalNeedsApproval SignalKind = "needs_approval"
	SignalFailed        SignalKind = "failed"
	SignalCompleted     SignalKind = "completed"
	SignalStalled       SignalKind = "stalled"
	SignalDisconnected  SignalKind = "disconnected"
)

// AccessMode controls the sandbox/approval posture of a dispatched turn.
type AccessMode string

const (
	AccessReadOnly   AccessMode = "read-only"
	AccessCurrent    AccessMode = "current"
	AccessFullAccess AccessMode = "full-access"
)

// Workspace is a long-running agent-session host identified by a stable id.
type Workspace struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Connected          bool     `json:"connected"`
	CurrentTask        *string  `json:"current_task,omitempty"`
	LastActivityAtMs   *int64   `json:"last_activity_at_ms,omitempty"`
	NextExpectedStep   *string  `json:"next_expected_step,omitempty"`
	Blockers           []string `json:"blockers"`
	Health             Health   `json:"health"`
	ActiveThreadID     *string  `json:"active_thread_id,omitempty"`
}

// Thread is a conversation/work stream within a workspace, keyed by
// (workspace_id, thread_id) at the SupervisorState level.
type Thread struct {
	WorkspaceID      string       `json:"workspace_id"`
	ThreadID         string       `json:"thread_id"`
	Status           ThreadStatus `json:"status"`
	CurrentTask      *string      `json:"current_task,omitempty"`
	LastActivityAtMs *int64       `json:"last_activity_at_ms,omitempty"`
	NextExpectedStep *string      `json:"next_expected_step,omitempty"`
	Blockers         []string     `json:"blockers"`
	ActiveTurnID     *string      `json:"active_turn_id,omitempty"`
	Name             *string      `json:"name,omitempty"`
}

// ThreadKey is the composite identity of a Thread within SupervisorState.
type ThreadKey struct {
	WorkspaceID string
	ThreadID    string
}

// SubtaskEvent is a single entry in a job's bounded event ring buffer.
type SubtaskEvent struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Message     string          `json:"message"`
	CreatedAtMs int64           `json:"created_at_ms"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Job (subtask) is a dispatched unit of work tracked by the supervisor.
type Job struct {
	ID                 string          `json:"id"`
	WorkspaceID        string          `json:"workspace_id"`
	ThreadID           *string         `json:"thread_id,omitempty"`
	DedupeKey          *string         `json:"dedupe_key,omitempty"`
	Description        string          `json:"description"`
	Status             JobStatus       `json:"status"`
	RequestedAtMs      int64           `json:"requested_at_ms"`
	StartedAtMs        *int64          `json:"started_at_ms,omitempty"`
	CompletedAtMs      *int64          `json:"completed_at_ms,omitempty"`
	Error              *string         `json:"error,omitempty"`
	RouteKind          *string         `json:"route_kind,omitempty"`
	RouteReason        *string         `json:"route_reason,omitempty"`
	RouteTarget        *string         `json:"route_target,omitempty"`
	RouteFallback      *string         `json:"route_fallback,omitempty"`
	Model              *string         `json:"model,omitempty"`
	Effort             *string         `json:"effort,omitempty"`
	AccessMode         *string         `json:"access_mode,omitempty"`
	WaitingRequestID   *string         `json:"waiting_request_id,omitempty"`
	WaitingQuestionIDs []string        `json:"waiting_question_ids"`
	RecentEvents       []SubtaskEvent  `json:"recent_events"`
}

// Signal is an actionable alert raised to the operator.
type Signal struct {
	ID               string          `json:"id"`
	Kind             SignalKind      `json:"kind"`
	WorkspaceID      *string         `json:"workspace_id,omitempty"`
	ThreadID         *string         `json:"thread_id,omitempty"`
	JobID            *string         `json:"job_id,omitempty"`
	Message          string          `json:"message"`
	CreatedAtMs      int64           `json:"created_at_ms"`
	AcknowledgedAtMs *int64          `json:"acknowledged_at_ms,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
}

// ActivityEntry is a record in the bounded activity feed.
type ActivityEntry struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Message     string          `json:"message"`
	WorkspaceID *string         `json:"workspace_id,omitempty"`
	ThreadID    *string         `json:"thread_id,omitempty"`
	NeedsInput  bool            `json:"needs_input"`
	CreatedAtMs int64           `json:"created_at_ms"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// OpenQuestion is a pending UserInputRequested interaction, keyed by request_key.
type OpenQuestion struct {
	RequestKey    string          `json:"request_key"`
	WorkspaceID   string          `json:"workspace_id"`
	ThreadID      *string         `json:"thread_id,omitempty"`
	Question      string          `json:"question"`
	CreatedAtMs   int64           `json:"created_at_ms"`
	ResolvedAtMs  *int64          `json:"resolved_at_ms,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
}

// PendingApproval is a pending ApprovalRequested interaction, keyed by request_key.
type PendingApproval struct {
	RequestKey   string          `json:"request_key"`
	WorkspaceID  string          `json:"workspace_id"`
	ThreadID     *string         `json:"thread_id,omitempty"`
	TurnID       *string         `json:"turn_id,omitempty"`
	ItemID       *string         `json:"item_id,omitempty"`
	RequestID    string          `json:"request_id"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	CreatedAtMs  int64           `json:"created_at_ms"`
	ResolvedAtMs *int64          `json:"resolved_at_ms,omitempty"`
}

// ChatRole distinguishes operator-authored from system-authored chat lines.
type ChatRole string

const (
	ChatRoleUser   ChatRole = "user"
	ChatRoleSystem ChatRole = "system"
)

// ChatMessage is a single line in the operator-facing chat transcript.
type ChatMessage struct {
	ID          string   `json:"id"`
	Role        ChatRole `json:"role"`
	Text        string   `json:"text"`
	CreatedAtMs int64    `json:"created_at_ms"`
}

// State is the canonical, event-sourced supervisor state. The loop
// (Loop, in loop.go) exclusively owns a State value; all readers receive a
// deep-cloned snapshot (see Clone).
type State struct {
	Workspaces       map[string]Workspace          `json:"workspaces"`
	Threads          map[ThreadKey]Thread          `json:"-"`
	Jobs             map[string]Job                `json:"jobs"`
	Signals          []Signal                      `json:"signals"`          // newest-first
	ActivityFeed     []ActivityEntry               `json:"activity_feed"`    // newest-first
	OpenQuestions    map[string]OpenQuestion        `json:"open_questions"`
	PendingApprovals map[string]PendingApproval     `json:"pending_approvals"`
	ChatHistory      []ChatMessage                  `json:"chat_history"` // newest-first
}

// NewState returns an empty, initialized State.
func NewState() *State {
	return &State{
		Workspaces:       make(map[string]Workspace),
		Threads:          make(map[ThreadKey]Thread),
		Jobs:             make(map[string]Job),
		Signals:          nil,
		ActivityFeed:     nil,
		OpenQuestions:    make(map[string]OpenQuestion),
		PendingApprovals: make(map[string]PendingApproval),
		ChatHistory:      nil,
	}
}

// Clone returns a deep copy of the state so callers never observe the
// loop's live, mutable containers.
func (s *State) Clone() *State {
	out := &State{
		Workspaces:       make(map[string]Workspace, len(s.Workspaces)),
		Threads:          make(map[ThreadKey]Thread, len(s.Threads)),
		Jobs:             make(map[string]Job, len(s.Jobs)),
		Signals:          append([]Signal(nil), s.Signals...),
		ActivityFeed:     append([]ActivityEntry(nil), s.ActivityFeed...),
		OpenQuestions:    make(map[string]OpenQuestion, len(s.OpenQuestions)),
		PendingApprovals: make(map[string]PendingApproval, len(s.PendingApprovals)),
		ChatHistory:      append([]ChatMessage(nil), s.ChatHistory...),
	}
	for k, v := range s.Workspaces {
		v.Blockers = append([]string(nil), v.Blockers...)
		out.Workspaces[k] = v
	}
	for k, v := range s.Threads {
		v.Blockers = append([]string(nil), v.Blockers...)
		out.Threads[k] = v
	}
	for k, v := range s.Jobs {
		v.WaitingQuestionIDs = append([]string(nil), v.WaitingQuestionIDs...)
		v.RecentEvents = append([]SubtaskEvent(nil), v.RecentEvents...)
		out.Jobs[k] = v
	}
	for k, v := range s.OpenQuestions {
		out.OpenQuestions[k] = v
	}
	for k, v := range s.PendingApprovals {
		out.PendingApprovals[k] = v
	}
	return out
}

// RequestKey builds the canonical "{workspace_id}:{request_id}" key used
// for OpenQuestion and PendingApproval lookups.
func RequestKey(workspaceID, requestID string) string {
	return workspaceID + ":" + requestID
}
