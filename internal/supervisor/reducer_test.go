package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestUpsertAndRemoveWorkspaceCascades(t *testing.T) {
	t.Run("removing a workspace cascades to threads, jobs, questions, approvals", func(t *testing.T) {
		s := NewState()
		s.UpsertWorkspace(Workspace{ID: "ws-1", Name: "alpha"})
		s.UpsertWorkspace(Workspace{ID: "ws-2", Name: "beta"})
		s.UpsertThread(Thread{WorkspaceID: "ws-1", ThreadID: "t-1", Status: ThreadRunning})
		s.UpsertThread(Thread{WorkspaceID: "ws-2", ThreadID: "t-2", Status: ThreadIdle})
		s.UpsertJob(Job{ID: "job-1", WorkspaceID: "ws-1", ThreadID: strp("t-1")})
		s.UpsertJob(Job{ID: "job-2", WorkspaceID: "ws-2", ThreadID: strp("t-2")})
		s.UpsertOpenQuestion(OpenQuestion{RequestKey: "ws-1:r1", WorkspaceID: "ws-1"})
		s.UpsertOpenQuestion(OpenQuestion{RequestKey: "ws-2:r2", WorkspaceID: "ws-2"})
		s.UpsertPendingApproval(PendingApproval{RequestKey: "ws-1:a1", WorkspaceID: "ws-1"})
		s.UpsertPendingApproval(PendingApproval{RequestKey: "ws-2:a2", WorkspaceID: "ws-2"})

		s.RemoveWorkspace("ws-1")

		_, ok := s.Workspaces["ws-1"]
		assert.False(t, ok)
		_, ok = s.Workspaces["ws-2"]
		assert.True(t, ok, "unrelated workspace must survive")

		_, ok = s.Threads[ThreadKey{WorkspaceID: "ws-1", ThreadID: "t-1"}]
		assert.False(t, ok)
		_, ok = s.Threads[ThreadKey{WorkspaceID: "ws-2", ThreadID: "t-2"}]
		assert.True(t, ok)

		_, ok = s.Jobs["job-1"]
		assert.False(t, ok)
		_, ok = s.Jobs["job-2"]
		assert.True(t, ok)

		_, ok = s.OpenQuestions["ws-1:r1"]
		assert.False(t, ok)
		_, ok = s.OpenQuestions["ws-2:r2"]
		assert.True(t, ok)

		_, ok = s.PendingApprovals["ws-1:a1"]
		assert.False(t, ok)
		_, ok = s.PendingApprovals["ws-2:a2"]
		assert.True(t, ok)
	})
}

func TestRemoveThreadCascades(t *testing.T) {
	t.Run("removing a thread only cascades to its own records", func(t *testing.T) {
		s := NewState()
		s.UpsertWorkspace(Workspace{ID: "ws-1"})
		s.UpsertThread(Thread{WorkspaceID: "ws-1", ThreadID: "t-1"})
		s.UpsertThread(Thread{WorkspaceID: "ws-1", ThreadID: "t-2"})
		s.UpsertJob(Job{ID: "job-1", WorkspaceID: "ws-1", ThreadID: strp("t-1")})
		s.UpsertJob(Job{ID: "job-2", WorkspaceID: "ws-1", ThreadID: strp("t-2")})
		s.UpsertOpenQuestion(OpenQuestion{RequestKey: "ws-1:r1", WorkspaceID: "ws-1", ThreadID: strp("t-1")})
		s.UpsertPendingApproval(PendingApproval{RequestKey: "ws-1:a1", WorkspaceID: "ws-1", ThreadID: strp("t-1")})

		s.RemoveThread("ws-1", "t-1")

		_, ok := s.Threads[ThreadKey{WorkspaceID: "ws-1", ThreadID: "t-1"}]
		assert.False(t, ok)
		_, ok = s.Threads[ThreadKey{WorkspaceID: "ws-1", ThreadID: "t-2"}]
		assert.True(t, ok)

		_, ok = s.Jobs["job-1"]
		assert.False(t, ok)
		_, ok = s.Jobs["job-2"]
		assert.True(t, ok)

		_, ok = s.OpenQuestions["ws-1:r1"]
		assert.False(t, ok)
		_, ok = s.PendingApprovals["ws-1:a1"]
		assert.False(t, ok)
	})
}

func TestUpdateJobStatus(t *testing.T) {
	t.Run("returns false for an unknown job", func(t *testing.T) {
		s := NewState()
		ok := s.UpdateJobStatus("missing", JobRunning, 100, nil)
		assert.False(t, ok)
	})

	t.Run("running sets started_at and clears completed_at", func(t *testing.T) {
		s := NewState()
		completed := int64(50)
		s.UpsertJob(Job{ID: "job-1", Status: JobPending, CompletedAtMs: &completed})

		ok := s.UpdateJobStatus("job-1", JobRunning, 100, nil)

		require.True(t, ok)
		job := s.Jobs["job-1"]
		assert.Equal(t, JobRunning, job.Status)
		require.NotNil(t, job.StartedAtMs)
		assert.Equal(t, int64(100), *job.StartedAtMs)
		assert.Nil(t, job.CompletedAtMs)
	})

	t.Run("failed sets completed_at and error", func(t *testing.T) {
		s := NewState()
		s.UpsertJob(Job{ID: "job-1", Status: JobRunning})

		errMsg := "boom"
		ok := s.UpdateJobStatus("job-1", JobFailed, 200, &errMsg)

		require.True(t, ok)
		job := s.Jobs["job-1"]
		assert.Equal(t, JobFailed, job.Status)
		require.NotNil(t, job.CompletedAtMs)
		assert.Equal(t, int64(200), *job.CompletedAtMs)
		require.NotNil(t, job.Error)
		assert.Equal(t, "boom", *job.Error)
	})

	t.Run("completed sets completed_at without touching error", func(t *testing.T) {
		s := NewState()
		s.UpsertJob(Job{ID: "job-1", Status: JobRunning})

		ok := s.UpdateJobStatus("job-1", JobCompleted, 300, nil)

		require.True(t, ok)
		job := s.Jobs["job-1"]
		assert.Equal(t, JobCompleted, job.Status)
		require.NotNil(t, job.CompletedAtMs)
		assert.Equal(t, int64(300), *job.CompletedAtMs)
		assert.Nil(t, job.Error)
	})

	t.Run("pending clears started_at and completed_at", func(t *testing.T) {
		s := NewState()
		started := int64(10)
		completed := int64(20)
		s.UpsertJob(Job{ID: "job-1", Status: JobFailed, StartedAtMs: &started, CompletedAtMs: &completed})

		ok := s.UpdateJobStatus("job-1", JobPending, 400, nil)

		require.True(t, ok)
		job := s.Jobs["job-1"]
		assert.Equal(t, JobPending, job.Status)
		assert.Nil(t, job.StartedAtMs)
		assert.Nil(t, job.CompletedAtMs)
	})
}

func TestPushSignalDedup(t *testing.T) {
	t.Run("re-pushing a signal id moves it to the front without duplicating", func(t *testing.T) {
		s := NewState()
		s.PushSignal(Signal{ID: "sig-1", Message: "first"})
		s.PushSignal(Signal{ID: "sig-2", Message: "second"})
		s.PushSignal(Signal{ID: "sig-1", Message: "first-updated"})

		require.Len(t, s.Signals, 2)
		assert.Equal(t, "sig-1", s.Signals[0].ID)
		assert.Equal(t, "first-updated", s.Signals[0].Message)
		assert.Equal(t, "sig-2", s.Signals[1].ID)
	})
}

func TestAckSignal(t *testing.T) {
	t.Run("acknowledges a known signal", func(t *testing.T) {
		s := NewState()
		s.PushSignal(Signal{ID: "sig-1"})

		ok := s.AckSignal("sig-1", 500)

		require.True(t, ok)
		require.NotNil(t, s.Signals[0].AcknowledgedAtMs)
		assert.Equal(t, int64(500), *s.Signals[0].AcknowledgedAtMs)
	})

	t.Run("returns false for an unknown signal", func(t *testing.T) {
		s := NewState()
		ok := s.AckSignal("missing", 500)
		assert.False(t, ok)
	})
}

func TestPushActivityCapAndDedup(t *testing.T) {
	t.Run("truncates to the configured cap, newest first", func(t *testing.T) {
		s := NewState()
		s.PushActivity(ActivityEntry{ID: "a1"}, 2)
		s.PushActivity(ActivityEntry{ID: "a2"}, 2)
		s.PushActivity(ActivityEntry{ID: "a3"}, 2)

		require.Len(t, s.ActivityFeed, 2)
		assert.Equal(t, "a3", s.ActivityFeed[0].ID)
		assert.Equal(t, "a2", s.ActivityFeed[1].ID)
	})

	t.Run("re-pushing an existing id dedupes instead of growing", func(t *testing.T) {
		s := NewState()
		s.PushActivity(ActivityEntry{ID: "a1", Message: "v1"}, 10)
		s.PushActivity(ActivityEntry{ID: "a2"}, 10)
		s.PushActivity(ActivityEntry{ID: "a1", Message: "v2"}, 10)

		require.Len(t, s.ActivityFeed, 2)
		assert.Equal(t, "a1", s.ActivityFeed[0].ID)
		assert.Equal(t, "v2", s.ActivityFeed[0].Message)
	})

	t.Run("cap of zero means unbounded", func(t *testing.T) {
		s := NewState()
		for i := 0; i < 5; i++ {
			s.PushActivity(ActivityEntry{ID: string(rune('0' + i))}, 0)
		}
		assert.Len(t, s.ActivityFeed, 5)
	})
}

func TestPushChatMessageCapAndDedup(t *testing.T) {
	t.Run("truncates to the configured cap, newest first", func(t *testing.T) {
		s := NewState()
		s.PushChatMessage(ChatMessage{ID: "m1"}, 2)
		s.PushChatMessage(ChatMessage{ID: "m2"}, 2)
		s.PushChatMessage(ChatMessage{ID: "m3"}, 2)

		require.Len(t, s.ChatHistory, 2)
		assert.Equal(t, "m3", s.ChatHistory[0].ID)
		assert.Equal(t, "m2", s.ChatHistory[1].ID)
	})
}

func TestResolveOpenQuestionAndPendingApproval(t *testing.T) {
	t.Run("resolving an open question stamps resolved_at_ms", func(t *testing.T) {
		s := NewState()
		s.UpsertOpenQuestion(OpenQuestion{RequestKey: "ws-1:r1", WorkspaceID: "ws-1"})

		ok := s.ResolveOpenQuestion("ws-1:r1", 600)

		require.True(t, ok)
		require.NotNil(t, s.OpenQuestions["ws-1:r1"].ResolvedAtMs)
		assert.Equal(t, int64(600), *s.OpenQuestions["ws-1:r1"].ResolvedAtMs)
	})

	t.Run("resolving an unknown open question returns false", func(t *testing.T) {
		s := NewState()
		ok := s.ResolveOpenQuestion("missing", 600)
		assert.False(t, ok)
	})

	t.Run("resolving a pending approval stamps resolved_at_ms", func(t *testing.T) {
		s := NewState()
		s.UpsertPendingApproval(PendingApproval{RequestKey: "ws-1:a1", WorkspaceID: "ws-1"})

		ok := s.ResolvePendingApproval("ws-1:a1", 700)

		require.True(t, ok)
		require.NotNil(t, s.PendingApprovals["ws-1:a1"].ResolvedAtMs)
		assert.Equal(t, int64(700), *s.PendingApprovals["ws-1:a1"].ResolvedAtMs)
	})
}

func TestAppendSubtaskEventRingBuffer(t *testing.T) {
	t.Run("drops from the front once the limit is exceeded", func(t *testing.T) {
		s := NewState()
		s.UpsertJob(Job{ID: "job-1"})

		for i := 0; i < 5; i++ {
			added := s.AppendSubtaskEvent("job-1", SubtaskEvent{ID: string(rune('a' + i)), CreatedAtMs: int64(i)}, 3)
			assert.True(t, added)
		}

		job := s.Jobs["job-1"]
		require.Len(t, job.RecentEvents, 3)
		assert.Equal(t, "c", job.RecentEvents[0].ID)
		assert.Equal(t, "d", job.RecentEvents[1].ID)
		assert.Equal(t, "e", job.RecentEvents[2].ID)
	})

	t.Run("rejects a duplicate event id without adding it twice", func(t *testing.T) {
		s := NewState()
		s.UpsertJob(Job{ID: "job-1"})

		added := s.AppendSubtaskEvent("job-1", SubtaskEvent{ID: "ev-1"}, 10)
		require.True(t, added)
		added = s.AppendSubtaskEvent("job-1", SubtaskEvent{ID: "ev-1"}, 10)
		assert.False(t, added)

		assert.Len(t, s.Jobs["job-1"].RecentEvents, 1)
	})

	t.Run("returns false for an unknown job", func(t *testing.T) {
		s := NewState()
		added := s.AppendSubtaskEvent("missing", SubtaskEvent{ID: "ev-1"}, 10)
		assert.False(t, added)
	})
}

func TestStateCloneIsIndependent(t *testing.T) {
	t.Run("mutating the clone never affects the original", func(t *testing.T) {
		s := NewState()
		s.UpsertWorkspace(Workspace{ID: "ws-1", Blockers: []string{"b1"}})
		s.PushActivity(ActivityEntry{ID: "a1"}, 10)

		clone := s.Clone()
		clone.Workspaces["ws-1"] = Workspace{ID: "ws-1", Blockers: append(clone.Workspaces["ws-1"].Blockers, "b2")}
		clone.ActivityFeed[0].ID = "mutated"

		assert.Equal(t, []string{"b1"}, s.Workspaces["ws-1"].Blockers)
		assert.Equal(t, "a1", s.ActivityFeed[0].ID)
	})
}
