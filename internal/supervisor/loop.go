package supervisor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kandev/supervisor/internal/common/logger"
)

// HealthThresholds bundles the age thresholds the health tick uses to
// classify a workspace.
type HealthThresholds struct {
	StaleAfterMs        int64
	DisconnectedAfterMs int64
}

// DefaultHealthThresholds returns the default thresholds.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{StaleAfterMs: 90_000, DisconnectedAfterMs: 300_000}
}

// WorkspaceHealthInput is one row of the snapshot fed to RunHealthCheck.
type WorkspaceHealthInput struct {
	ID        string
	Name      *string
	Connected bool
}

// Observer receives a notification whenever the loop pushes a new
// activity entry or chat message, letting collaborators such as the
// streaming hub fan updates out without the loop depending on them
// directly. A nil Observer is never invoked.
type Observer interface {
	OnActivity(entry ActivityEntry)
	OnChatMessage(msg ChatMessage)
}

// Loop owns SupervisorState and the workspace_last_event_at_ms map. All
// mutation happens under mu; readers always receive a cloned snapshot.
type Loop struct {
	mu            sync.Mutex
	state         *State
	lastEventAtMs map[string]int64
	caps          Caps
	thresholds    HealthThresholds
	log           *logger.Logger
	observer      Observer
}

// NewLoop constructs an empty loop.
func NewLoop(caps Caps, thresholds HealthThresholds, log *logger.Logger) *Loop {
	if log == nil {
		log = logger.Default()
	}
	return &Loop{
		state:         NewState(),
		lastEventAtMs: make(map[string]int64),
		caps:          caps,
		thresholds:    thresholds,
		log:           log,
	}
}

// SetObserver installs (or clears, with nil) the loop's broadcast
// observer. Not safe to call concurrently with loop mutations.
func (l *Loop) SetObserver(o Observer) {
	l.observer = o
}

// pushActivity pushes an activity entry through State and notifies the
// observer, if any.
func (l *Loop) pushActivity(entry ActivityEntry, cap int) {
	l.state.PushActivity(entry, cap)
	if l.observer != nil {
		l.observer.OnActivity(entry)
	}
}

// pushChatMessage pushes a chat message through State and notifies the
// observer, if any.
func (l *Loop) pushChatMessage(msg ChatMessage, cap int) {
	l.state.PushChatMessage(msg, cap)
	if l.observer != nil {
		l.observer.OnChatMessage(msg)
	}
}

// Snapshot returns a deep-cloned copy of the current state.
func (l *Loop) Snapshot() *State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// WorkspaceHealth returns the last-known health of a workspace, or
// HealthHealthy if the workspace has not yet been observed (matching
// RunHealthCheck's default for an unseen workspace).
func (l *Loop) WorkspaceHealth(workspaceID string) Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ws, ok := l.state.Workspaces[workspaceID]; ok {
		return ws.Health
	}
	return HealthHealthy
}

// Restore replaces the loop's state wholesale, used by persistence on
// startup. It does not affect lastEventAtMs — a restored snapshot is
// best-effort session recovery, not a guarantee of a live heartbeat.
func (l *Loop) Restore(state *State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state == nil {
		return
	}
	l.state = state
	if l.state.Threads == nil {
		l.state.Threads = make(map[ThreadKey]Thread)
	}
}

// ApplyAppServerEvent records a heartbeat, normalizes the raw message, and
// on a match delegates to the per-variant handler. "codex/connected" is a
// pure liveness ping with no event payload, so it's special-cased here
// rather than threaded through Normalize's closed event variants.
func (l *Loop) ApplyAppServerEvent(workspaceID string, raw map[string]any, atMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastEventAtMs[workspaceID] = atMs

	if method, _ := raw["method"].(string); strings.TrimSpace(method) == "codex/connected" {
		l.handleConnected(workspaceID, atMs)
		return
	}

	ev, ok := Normalize(workspaceID, raw, atMs)
	if !ok {
		return
	}
	l.applyEvent(ev)
}

func (l *Loop) handleConnected(workspaceID string, atMs int64) {
	ws, ok := l.state.Workspaces[workspaceID]
	if !ok {
		ws = Workspace{ID: workspaceID, Blockers: []string{}}
	}
	ws.Connected = true
	ws.Health = HealthHealthy
	ws.LastActivityAtMs = &atMs
	l.state.UpsertWorkspace(ws)

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("workspace_connected:%s:%d", workspaceID, atMs),
		Kind:        "workspace_connected",
		Message:     fmt.Sprintf("Workspace %s connected.", workspaceID),
		WorkspaceID: &workspaceID,
		CreatedAtMs: atMs,
	}, l.caps.ActivityFeedLimit)
}

func (l *Loop) applyEvent(ev *Event) {
	switch ev.Kind {
	case EventTurnStarted:
		l.handleTurnStarted(ev)
	case EventTurnCompleted:
		l.handleTurnCompleted(ev)
	case EventItemStarted:
		l.handleItemEvent(ev, "item_started")
	case EventItemCompleted:
		l.handleItemEvent(ev, "item_completed")
	case EventUserInputRequested:
		l.handleUserInputRequested(ev)
	case EventApprovalRequested:
		l.handleApprovalRequested(ev)
	case EventError:
		l.handleError(ev)
	}
}

func strPtr(s string) *string { return &s }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (l *Loop) handleTurnStarted(ev *Event) {
	thread := l.getOrCreateThread(ev.WorkspaceID, ev.ThreadID)
	thread.Status = ThreadRunning
	thread.ActiveTurnID = strPtr(ev.ItemID)
	thread.LastActivityAtMs = &ev.ReceivedAtMs
	if ev.Task != nil {
		thread.CurrentTask = ev.Task
	}
	l.state.UpsertThread(thread)

	ws := l.getOrCreateWorkspace(ev.WorkspaceID)
	ws.ActiveThreadID = strPtr(ev.ThreadID)
	ws.LastActivityAtMs = &ev.ReceivedAtMs
	if ev.Task != nil {
		ws.CurrentTask = ev.Task
	}
	l.state.UpsertWorkspace(ws)

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("turn_started:%s:%s:%s:%d", ev.WorkspaceID, ev.ThreadID, ev.ItemID, ev.ReceivedAtMs),
		Kind:        "turn_started",
		Message:     fmt.Sprintf("Turn %s started on thread %s.", ev.ItemID, ev.ThreadID),
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    &ev.ThreadID,
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.ActivityFeedLimit)

	job, ok := l.findMatchingJob(ev.WorkspaceID, &ev.ThreadID)
	if !ok {
		return
	}
	l.state.UpdateJobStatus(job.ID, JobRunning, ev.ReceivedAtMs, nil)
	l.state.AppendSubtaskEvent(job.ID, SubtaskEvent{
		ID:          fmt.Sprintf("%s:running:%d", job.ID, ev.ReceivedAtMs),
		Kind:        "running",
		Message:     "Turn started.",
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.SubtaskEventLimit)
	l.bridgeChat(job.ID, ev.WorkspaceID, ev.ThreadID, "Turn started.", ev.ReceivedAtMs)
}

func (l *Loop) handleTurnCompleted(ev *Event) {
	thread := l.getOrCreateThread(ev.WorkspaceID, ev.ThreadID)
	thread.Status = ThreadCompleted
	thread.ActiveTurnID = nil
	thread.LastActivityAtMs = &ev.ReceivedAtMs
	l.state.UpsertThread(thread)

	l.state.PushSignal(Signal{
		ID:          fmt.Sprintf("completed:%s:%s:%s", ev.WorkspaceID, ev.ThreadID, ev.ItemID),
		Kind:        SignalCompleted,
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    &ev.ThreadID,
		Message:     fmt.Sprintf("Turn %s completed on thread %s.", ev.ItemID, ev.ThreadID),
		CreatedAtMs: ev.ReceivedAtMs,
	})

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("turn_completed:%s:%s:%s:%d", ev.WorkspaceID, ev.ThreadID, ev.ItemID, ev.ReceivedAtMs),
		Kind:        "turn_completed",
		Message:     fmt.Sprintf("Turn %s completed on thread %s.", ev.ItemID, ev.ThreadID),
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    &ev.ThreadID,
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.ActivityFeedLimit)

	job, ok := l.findMatchingJob(ev.WorkspaceID, &ev.ThreadID)
	if !ok {
		return
	}
	job.WaitingRequestID = nil
	job.WaitingQuestionIDs = nil
	l.state.UpsertJob(job)
	l.state.UpdateJobStatus(job.ID, JobCompleted, ev.ReceivedAtMs, nil)
	l.state.AppendSubtaskEvent(job.ID, SubtaskEvent{
		ID:          fmt.Sprintf("%s:completed:%d", job.ID, ev.ReceivedAtMs),
		Kind:        "completed",
		Message:     "Turn completed.",
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.SubtaskEventLimit)
	l.bridgeChat(job.ID, ev.WorkspaceID, ev.ThreadID, "Turn completed.", ev.ReceivedAtMs)
}

func (l *Loop) handleItemEvent(ev *Event, activityKind string) {
	thread := l.getOrCreateThread(ev.WorkspaceID, ev.ThreadID)
	thread.Status = ThreadRunning
	thread.LastActivityAtMs = &ev.ReceivedAtMs
	l.state.UpsertThread(thread)

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("%s:%s:%s:%s:%d", activityKind, ev.WorkspaceID, ev.ThreadID, ev.ItemID, ev.ReceivedAtMs),
		Kind:        activityKind,
		Message:     fmt.Sprintf("Item %s on thread %s.", ev.ItemID, ev.ThreadID),
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    &ev.ThreadID,
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.ActivityFeedLimit)

	job, ok := l.findMatchingJob(ev.WorkspaceID, &ev.ThreadID)
	if !ok {
		return
	}
	l.state.AppendSubtaskEvent(job.ID, SubtaskEvent{
		ID:          fmt.Sprintf("%s:%s:%d", job.ID, activityKind, ev.ReceivedAtMs),
		Kind:        "running",
		Message:     fmt.Sprintf("Item %s on thread %s.", ev.ItemID, ev.ThreadID),
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.SubtaskEventLimit)

	if ev.Kind == EventItemCompleted && ev.ItemType != nil && *ev.ItemType == "agentMessage" && ev.Task != nil {
		l.bridgeChat(job.ID, ev.WorkspaceID, ev.ThreadID, "Agent response: "+truncate(*ev.Task, 240), ev.ReceivedAtMs)
	}
}

func (l *Loop) handleUserInputRequested(ev *Event) {
	var threadPtr *string
	if ev.ThreadID != "" {
		threadPtr = &ev.ThreadID
	}

	l.state.UpsertOpenQuestion(OpenQuestion{
		RequestKey:  ev.RequestKey,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    threadPtr,
		Question:    ev.Question,
		CreatedAtMs: ev.ReceivedAtMs,
		Context:     ev.Params,
	})

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("waiting_for_user:%s:%d", ev.RequestKey, ev.ReceivedAtMs),
		Kind:        "waiting_for_user",
		Message:     fmt.Sprintf("Agent is waiting for input: %s", ev.Question),
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    threadPtr,
		NeedsInput:  true,
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.ActivityFeedLimit)

	job, ok := l.findMatchingJob(ev.WorkspaceID, threadPtr)
	if !ok {
		return
	}
	job.WaitingRequestID = strPtr(ev.RequestID)
	job.WaitingQuestionIDs = []string{ev.RequestID}
	l.state.UpsertJob(job)
	l.state.UpdateJobStatus(job.ID, JobWaitingForUser, ev.ReceivedAtMs, nil)
	l.bridgeChat(job.ID, ev.WorkspaceID, ev.ThreadID,
		fmt.Sprintf("Waiting for your input: %s Reply with @%s <answer>.", ev.Question, job.ID), ev.ReceivedAtMs)
}

func (l *Loop) handleApprovalRequested(ev *Event) {
	var threadPtr *string
	if ev.ThreadID != "" {
		threadPtr = &ev.ThreadID
	}

	l.state.UpsertPendingApproval(PendingApproval{
		RequestKey:  ev.RequestKey,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    threadPtr,
		TurnID:      ev.ApprovalTurnID,
		ItemID:      ev.ApprovalItemID,
		RequestID:   ev.RequestID,
		Method:      ev.Method,
		Params:      ev.Params,
		CreatedAtMs: ev.ReceivedAtMs,
	})

	l.state.PushSignal(Signal{
		ID:          "approval:" + ev.RequestKey,
		Kind:        SignalNeedsApproval,
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    threadPtr,
		Message:     fmt.Sprintf("Approval requested (%s).", ev.Method),
		CreatedAtMs: ev.ReceivedAtMs,
		Context:     ev.Params,
	})

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("approval:%s:%d", ev.RequestKey, ev.ReceivedAtMs),
		Kind:        "needs_approval",
		Message:     fmt.Sprintf("Approval requested (%s).", ev.Method),
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    threadPtr,
		NeedsInput:  true,
		CreatedAtMs: ev.ReceivedAtMs,
		Metadata:    ev.Params,
	}, l.caps.ActivityFeedLimit)

	job, ok := l.findMatchingJob(ev.WorkspaceID, threadPtr)
	if !ok {
		return
	}
	job.WaitingRequestID = strPtr(ev.RequestID)
	job.WaitingQuestionIDs = []string{ev.RequestID}
	l.state.UpsertJob(job)
	l.state.UpdateJobStatus(job.ID, JobWaitingForUser, ev.ReceivedAtMs, nil)
	l.bridgeChat(job.ID, ev.WorkspaceID, ev.ThreadID,
		fmt.Sprintf("Approval requested (%s). Reply with @%s <answer>.", ev.Method, job.ID), ev.ReceivedAtMs)
}

func (l *Loop) handleError(ev *Event) {
	threadID := ""
	if ev.ErrorThreadID != nil {
		threadID = *ev.ErrorThreadID
		key := ThreadKey{WorkspaceID: ev.WorkspaceID, ThreadID: threadID}
		if thread, ok := l.state.Threads[key]; ok {
			thread.Status = ThreadFailed
			thread.LastActivityAtMs = &ev.ReceivedAtMs
			l.state.UpsertThread(thread)
		}
	}

	turnID := ""
	if ev.ErrorTurnID != nil {
		turnID = *ev.ErrorTurnID
	}

	l.state.PushSignal(Signal{
		ID:          fmt.Sprintf("error:%s:%s:%s", ev.WorkspaceID, threadID, turnID),
		Kind:        SignalFailed,
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    ev.ErrorThreadID,
		Message:     ev.Message,
		CreatedAtMs: ev.ReceivedAtMs,
	})

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("error:%s:%s:%s:%d", ev.WorkspaceID, threadID, turnID, ev.ReceivedAtMs),
		Kind:        "error",
		Message:     ev.Message,
		WorkspaceID: &ev.WorkspaceID,
		ThreadID:    ev.ErrorThreadID,
		CreatedAtMs: ev.ReceivedAtMs,
	}, l.caps.ActivityFeedLimit)

	job, ok := l.findMatchingJob(ev.WorkspaceID, ev.ErrorThreadID)
	if !ok {
		return
	}
	if ev.WillRetry {
		l.state.UpdateJobStatus(job.ID, JobRunning, ev.ReceivedAtMs, nil)
	} else {
		msg := ev.Message
		l.state.UpdateJobStatus(job.ID, JobFailed, ev.ReceivedAtMs, &msg)
	}
	l.bridgeChat(job.ID, ev.WorkspaceID, threadID, "Error: "+ev.Message, ev.ReceivedAtMs)
}

// getOrCreateThread returns the existing thread for (workspaceID,
// threadID) or a freshly initialized one.
func (l *Loop) getOrCreateThread(workspaceID, threadID string) Thread {
	key := ThreadKey{WorkspaceID: workspaceID, ThreadID: threadID}
	if t, ok := l.state.Threads[key]; ok {
		return t
	}
	return Thread{WorkspaceID: workspaceID, ThreadID: threadID, Status: ThreadIdle, Blockers: []string{}}
}

func (l *Loop) getOrCreateWorkspace(workspaceID string) Workspace {
	if ws, ok := l.state.Workspaces[workspaceID]; ok {
		return ws
	}
	return Workspace{ID: workspaceID, Blockers: []string{}, Health: HealthHealthy}
}

// findMatchingJob picks the job a loop-driven event should update:
// candidates are jobs with the given workspace (and thread, if supplied);
// sorted non-terminal first, then requested_at_ms desc, then id asc;
// first wins.
func (l *Loop) findMatchingJob(workspaceID string, threadID *string) (Job, bool) {
	var candidates []Job
	for _, job := range l.state.Jobs {
		if job.WorkspaceID != workspaceID {
			continue
		}
		if threadID != nil && *threadID != "" {
			if job.ThreadID == nil || *job.ThreadID != *threadID {
				continue
			}
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return Job{}, false
	}

	isTerminal := func(j Job) bool { return j.Status == JobCompleted || j.Status == JobFailed }
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := isTerminal(candidates[i]), isTerminal(candidates[j])
		if ti != tj {
			return !ti // non-terminal first
		}
		if candidates[i].RequestedAtMs != candidates[j].RequestedAtMs {
			return candidates[i].RequestedAtMs > candidates[j].RequestedAtMs
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// bridgeChat appends a System chat line describing a loop-driven state
// change, prefixed with the subtask/workspace/thread it concerns so an
// operator scanning chat history can tell where it came from.
func (l *Loop) bridgeChat(jobID, workspaceID, threadID, text string, atMs int64) {
	prefix := fmt.Sprintf("[subtask:%s ws:%s thread:%s] ", jobID, workspaceID, threadID)
	l.pushChatMessage(ChatMessage{
		ID:          newChatID("system"),
		Role:        ChatRoleSystem,
		Text:        prefix + text,
		CreatedAtMs: atMs,
	}, l.caps.ChatHistoryLimit)
}

// RunHealthCheck classifies every input workspace's health and, on a
// change from its previously recorded health, pushes exactly one
// edge-triggered Stalled/Disconnected signal.
func (l *Loop) RunHealthCheck(snapshots []WorkspaceHealthInput, nowMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, in := range snapshots {
		existing, hadExisting := l.state.Workspaces[in.ID]
		prevHealth := HealthHealthy
		if hadExisting {
			prevHealth = existing.Health
		}

		newHealth := l.classifyHealth(in, nowMs)

		updated := existing
		updated.ID = in.ID
		if in.Name != nil {
			updated.Name = *in.Name
		}
		updated.Connected = in.Connected
		updated.Health = newHealth
		if updated.Blockers == nil {
			updated.Blockers = []string{}
		}
		l.state.UpsertWorkspace(updated)

		if newHealth == prevHealth {
			continue
		}
		switch newHealth {
		case HealthStale:
			l.state.PushSignal(Signal{
				ID:          fmt.Sprintf("stalled:%s:%d", in.ID, nowMs),
				Kind:        SignalStalled,
				WorkspaceID: &in.ID,
				Message:     fmt.Sprintf("Workspace %s appears stalled.", in.ID),
				CreatedAtMs: nowMs,
			})
		case HealthDisconnected:
			l.state.PushSignal(Signal{
				ID:          fmt.Sprintf("disconnected:%s:%d", in.ID, nowMs),
				Kind:        SignalDisconnected,
				WorkspaceID: &in.ID,
				Message:     fmt.Sprintf("Workspace %s disconnected.", in.ID),
				CreatedAtMs: nowMs,
			})
		}
	}
}

func (l *Loop) classifyHealth(in WorkspaceHealthInput, nowMs int64) Health {
	if !in.Connected {
		return HealthDisconnected
	}
	last, hasLast := l.lastEventAtMs[in.ID]
	if !hasLast {
		return HealthStale
	}
	age := nowMs - last
	switch {
	case age >= l.thresholds.DisconnectedAfterMs:
		return HealthDisconnected
	case age >= l.thresholds.StaleAfterMs:
		return HealthStale
	default:
		return HealthHealthy
	}
}

// AckSignal marks a signal acknowledged.
func (l *Loop) AckSignal(signalID string, atMs int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.AckSignal(signalID, atMs)
}

// UpsertJob inserts or replaces a job, assigning a fresh id if absent.
func (l *Loop) UpsertJob(job Job) Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	if job.ID == "" {
		job.ID = newJobID()
	}
	l.state.UpsertJob(job)
	return job
}

// WaitingJobs returns jobs WaitingForUser with a waiting_request_id and a
// non-empty workspace, newest (by requested_at_ms) first.
func (l *Loop) WaitingJobs() []Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Job
	for _, job := range l.state.Jobs {
		if job.Status == JobWaitingForUser && job.WaitingRequestID != nil && job.WorkspaceID != "" {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAtMs > out[j].RequestedAtMs })
	return out
}

// MarkReplyDelivered commits a successfully relayed operator reply.
func (l *Loop) MarkReplyDelivered(jobID, requestID, replyPreview string, atMs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.state.Jobs[jobID]
	if !ok {
		return NewError(KindStateMismatch, "no such subtask %q", jobID)
	}
	if job.Status != JobWaitingForUser {
		return NewError(KindStateMismatch, "subtask %q is not waiting for input", jobID)
	}
	if job.WaitingRequestID == nil || *job.WaitingRequestID != requestID {
		return NewError(KindStateMismatch, "reply does not match the pending request for subtask %q", jobID)
	}

	job.WaitingRequestID = nil
	job.WaitingQuestionIDs = nil
	l.state.UpsertJob(job)
	l.state.UpdateJobStatus(jobID, JobRunning, atMs, nil)

	summary := truncate(replyPreview, 180)
	l.state.AppendSubtaskEvent(jobID, SubtaskEvent{
		ID:          fmt.Sprintf("%s:reply_delivered:%d", jobID, atMs),
		Kind:        "reply_delivered",
		Message:     summary,
		CreatedAtMs: atMs,
	}, l.caps.SubtaskEventLimit)

	l.state.ResolveOpenQuestion(RequestKey(job.WorkspaceID, requestID), atMs)

	threadID := ""
	if job.ThreadID != nil {
		threadID = *job.ThreadID
	}
	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("reply_delivered:%s:%d", jobID, atMs),
		Kind:        "reply_delivered",
		Message:     fmt.Sprintf("Reply routed to subtask %s.", jobID),
		WorkspaceID: &job.WorkspaceID,
		ThreadID:    job.ThreadID,
		CreatedAtMs: atMs,
	}, l.caps.ActivityFeedLimit)

	l.pushChatMessage(ChatMessage{
		ID:          newChatID("system"),
		Role:        ChatRoleSystem,
		Text:        fmt.Sprintf("Reply routed to subtask %s (thread %s).", jobID, threadID),
		CreatedAtMs: atMs,
	}, l.caps.ChatHistoryLimit)

	return nil
}

// MarkReplyDeliveryFailed is best-effort: it records the failure without
// changing the job's status.
func (l *Loop) MarkReplyDeliveryFailed(jobID, requestID, errMsg string, atMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.state.Jobs[jobID]
	if !ok {
		return
	}

	l.state.AppendSubtaskEvent(jobID, SubtaskEvent{
		ID:          fmt.Sprintf("%s:reply_delivery_failed:%d", jobID, atMs),
		Kind:        "reply_delivery_failed",
		Message:     errMsg,
		CreatedAtMs: atMs,
	}, l.caps.SubtaskEventLimit)

	l.pushActivity(ActivityEntry{
		ID:          fmt.Sprintf("reply_delivery_failed:%s:%d", jobID, atMs),
		Kind:        "reply_delivery_failed",
		Message:     fmt.Sprintf("Failed to deliver reply to subtask %s: %s", jobID, errMsg),
		WorkspaceID: &job.WorkspaceID,
		ThreadID:    job.ThreadID,
		NeedsInput:  true,
		CreatedAtMs: atMs,
	}, l.caps.ActivityFeedLimit)
}

// AppendChatMessage pushes a chat message directly (used by the chat
// controller for both the user line and the system reply).
func (l *Loop) AppendChatMessage(msg ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushChatMessage(msg, l.caps.ChatHistoryLimit)
}

// ChatHistory returns the current chat history, newest first.
func (l *Loop) ChatHistory() []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChatMessage(nil), l.state.ChatHistory...)
}

// RecordRouteDecision pushes an activity entry describing a router outcome.
func (l *Loop) RecordRouteDecision(routeID, message string, atMs int64, metadata json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushActivity(ActivityEntry{
		ID:          routeID,
		Kind:        "route_decision",
		Message:     message,
		CreatedAtMs: atMs,
		Metadata:    metadata,
	}, l.caps.ActivityFeedLimit)
}
