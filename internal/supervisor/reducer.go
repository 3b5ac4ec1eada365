package supervisor

// Caps bundles the ordered-collection limits enforced by the reducer.
type Caps struct {
	ActivityFeedLimit int
	ChatHistoryLimit  int
	SubtaskEventLimit int
	ChatFeedLimit     int
}

// DefaultCaps returns the spec-mandated defaults.
func DefaultCaps() Caps {
	return Caps{
		ActivityFeedLimit: 200,
		ChatHistoryLimit:  500,
		SubtaskEventLimit: 24,
		ChatFeedLimit:     20,
	}
}

// The methods below are the reducer: each is a pure, total function from
// (state, update-arguments) to a mutated state, applied only by the loop
// under its lock. Workspace/thread/job relationships are expressed purely
// via string ids plus cascading removes below — no back-pointers, no
// cycles.

// UpsertWorkspace inserts or replaces a workspace record.
func (s *State) UpsertWorkspace(ws Workspace) {
	s.Workspaces[ws.ID] = ws
}

// RemoveWorkspace deletes a workspace and cascades to every thread, job,
// open question, and pending approval that references its id.
func (s *State) RemoveWorkspace(workspaceID string) {
	delete(s.Workspaces, workspaceID)

	for key := range s.Threads {
		if key.WorkspaceID == workspaceID {
			delete(s.Threads, key)
		}
	}
	for id, job := range s.Jobs {
		if job.WorkspaceID == workspaceID {
			delete(s.Jobs, id)
		}
	}
	for key, q := range s.OpenQuestions {
		if q.WorkspaceID == workspaceID {
			delete(s.OpenQuestions, key)
		}
	}
	for key, a := range s.PendingApprovals {
		if a.WorkspaceID == workspaceID {
			delete(s.PendingApprovals, key)
		}
	}
}

// UpsertThread inserts or replaces a thread record.
func (s *State) UpsertThread(t Thread) {
	s.Threads[ThreadKey{WorkspaceID: t.WorkspaceID, ThreadID: t.ThreadID}] = t
}

// RemoveThread deletes a thread and cascades to jobs, open questions, and
// pending approvals belonging to it.
func (s *State) RemoveThread(workspaceID, threadID string) {
	delete(s.Threads, ThreadKey{WorkspaceID: workspaceID, ThreadID: threadID})

	for id, job := range s.Jobs {
		if job.WorkspaceID == workspaceID && job.ThreadID != nil && *job.ThreadID == threadID {
			delete(s.Jobs, id)
		}
	}
	for key, q := range s.OpenQuestions {
		if q.WorkspaceID == workspaceID && q.ThreadID != nil && *q.ThreadID == threadID {
			delete(s.OpenQuestions, key)
		}
	}
	for key, a := range s.PendingApprovals {
		if a.WorkspaceID == workspaceID && a.ThreadID != nil && *a.ThreadID == threadID {
			delete(s.PendingApprovals, key)
		}
	}
}

// UpsertJob inserts or replaces a job record.
func (s *State) UpsertJob(j Job) {
	if j.WaitingQuestionIDs == nil {
		j.WaitingQuestionIDs = []string{}
	}
	if j.RecentEvents == nil {
		j.RecentEvents = []SubtaskEvent{}
	}
	s.Jobs[j.ID] = j
}

// RemoveJob deletes a job record.
func (s *State) RemoveJob(jobID string) {
	delete(s.Jobs, jobID)
}

// UpdateJobStatus transitions a job's status, adjusting started_at_ms /
// completed_at_ms / error to match.
func (s *State) UpdateJobStatus(jobID string, status JobStatus, atMs int64, errMsg *string) bool {
	job, ok := s.Jobs[jobID]
	if !ok {
		return false
	}
	job.Status = status
	switch status {
	case JobRunning:
		job.StartedAtMs = &atMs
		job.CompletedAtMs = nil
	case JobCompleted, JobFailed:
		job.CompletedAtMs = &atMs
		if status == JobFailed {
			job.Error = errMsg
		}
	case JobPending:
		job.StartedAtMs = nil
		job.CompletedAtMs = nil
	}
	s.Jobs[jobID] = job
	return true
}

// PushSignal prepends a signal, deduplicating by id (re-insertion removes
// the prior entry before prepending the new one).
func (s *State) PushSignal(sig Signal) {
	s.Signals = prependDedup(s.Signals, sig, func(x Signal) string { return x.ID })
}

// AckSignal marks a signal acknowledged; returns false if the id is unknown.
func (s *State) AckSignal(signalID string, atMs int64) bool {
	for i := range s.Signals {
		if s.Signals[i].ID == signalID {
			s.Signals[i].AcknowledgedAtMs = &atMs
			return true
		}
	}
	return false
}

// PushActivity prepends an activity entry, deduplicating by id and
// truncating to the configured cap.
func (s *State) PushActivity(entry ActivityEntry, cap int) {
	s.ActivityFeed = prependDedup(s.ActivityFeed, entry, func(x ActivityEntry) string { return x.ID })
	if cap > 0 && len(s.ActivityFeed) > cap {
		s.ActivityFeed = s.ActivityFeed[:cap]
	}
}

// UpsertOpenQuestion inserts or replaces an open question keyed by request_key.
func (s *State) UpsertOpenQuestion(q OpenQuestion) {
	s.OpenQuestions[q.RequestKey] = q
}

// ResolveOpenQuestion stamps resolved_at_ms on an open question; returns
// false if the key is unknown.
func (s *State) ResolveOpenQuestion(requestKey string, atMs int64) bool {
	q, ok := s.OpenQuestions[requestKey]
	if !ok {
		return false
	}
	q.ResolvedAtMs = &atMs
	s.OpenQuestions[requestKey] = q
	return true
}

// UpsertPendingApproval inserts or replaces a pending approval keyed by request_key.
func (s *State) UpsertPendingApproval(a PendingApproval) {
	s.PendingApprovals[a.RequestKey] = a
}

// ResolvePendingApproval stamps resolved_at_ms on a pending approval;
// returns false if the key is unknown.
func (s *State) ResolvePendingApproval(requestKey string, atMs int64) bool {
	a, ok := s.PendingApprovals[requestKey]
	if !ok {
		return false
	}
	a.ResolvedAtMs = &atMs
	s.PendingApprovals[requestKey] = a
	return true
}

// PushChatMessage prepends a chat message, deduplicating by id and
// truncating to the configured cap.
func (s *State) PushChatMessage(msg ChatMessage, cap int) {
	s.ChatHistory = prependDedup(s.ChatHistory, msg, func(x ChatMessage) string { return x.ID })
	if cap > 0 && len(s.ChatHistory) > cap {
		s.ChatHistory = s.ChatHistory[:cap]
	}
}

// prependDedup removes any existing element with the same key, then
// prepends the new element — giving "push, dedupe by id, newest first"
// semantics used by signals, the activity feed, and chat history.
func prependDedup[T any](items []T, item T, key func(T) string) []T {
	k := key(item)
	out := make([]T, 0, len(items)+1)
	out = append(out, item)
	for _, existing := range items {
		if key(existing) == k {
			continue
		}
		out = append(out, existing)
	}
	return out
}

// AppendSubtaskEvent appends an event to a job's ring buffer, deduplicating
// by id and dropping from the front on overflow so the newest `limit`
// entries remain. Returns false ("not added") if the id already exists.
func (s *State) AppendSubtaskEvent(jobID string, ev SubtaskEvent, limit int) bool {
	job, ok := s.Jobs[jobID]
	if !ok {
		return false
	}
	for _, existing := range job.RecentEvents {
		if existing.ID == ev.ID {
			return false
		}
	}
	job.RecentEvents = append(job.RecentEvents, ev)
	if limit > 0 && len(job.RecentEvents) > limit {
		job.RecentEvents = job.RecentEvents[len(job.RecentEvents)-limit:]
	}
	s.Jobs[jobID] = job
	return true
}
