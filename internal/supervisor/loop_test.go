package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop() *Loop {
	return NewLoop(DefaultCaps(), HealthThresholds{StaleAfterMs: 10, DisconnectedAfterMs: 20}, nil)
}

func turnEvent(method, threadID, turnID string) map[string]any {
	return map[string]any{
		"method": method,
		"params": map[string]any{"threadId": threadID, "turnId": turnID},
	}
}

func TestLoopTurnLifecycle(t *testing.T) {
	t.Run("turn started then completed updates thread status and activity feed in order", func(t *testing.T) {
		loop := newTestLoop()

		loop.ApplyAppServerEvent("W", turnEvent("turn/started", "T", "U"), 10)
		loop.ApplyAppServerEvent("W", turnEvent("turn/completed", "T", "U"), 20)

		state := loop.Snapshot()
		thread, ok := state.Threads[ThreadKey{WorkspaceID: "W", ThreadID: "T"}]
		require.True(t, ok)
		assert.Equal(t, ThreadCompleted, thread.Status)
		assert.Nil(t, thread.ActiveTurnID)
		require.NotNil(t, thread.LastActivityAtMs)
		assert.Equal(t, int64(20), *thread.LastActivityAtMs)

		completedSignals := 0
		for _, sig := range state.Signals {
			if sig.Kind == SignalCompleted {
				completedSignals++
			}
		}
		assert.Equal(t, 1, completedSignals)

		require.Len(t, state.ActivityFeed, 2)
		assert.Equal(t, "turn_completed", state.ActivityFeed[0].Kind, "newest first")
		assert.Equal(t, "turn_started", state.ActivityFeed[1].Kind)
	})
}

func TestLoopHealthTransitions(t *testing.T) {
	t.Run("scenario 3: stale then disconnected, each signal fires exactly once per transition", func(t *testing.T) {
		loop := newTestLoop()
		loop.ApplyAppServerEvent("W", map[string]any{"method": "codex/connected"}, 100)

		loop.RunHealthCheck([]WorkspaceHealthInput{{ID: "W", Connected: true}}, 112)
		state := loop.Snapshot()
		stalled := countSignals(state, SignalStalled)
		assert.Equal(t, 1, stalled)
		assert.Equal(t, HealthStale, state.Workspaces["W"].Health)

		loop.RunHealthCheck([]WorkspaceHealthInput{{ID: "W", Connected: true}}, 113)
		state = loop.Snapshot()
		assert.Equal(t, 1, countSignals(state, SignalStalled), "repeat tick at the same health must not re-fire")

		loop.RunHealthCheck([]WorkspaceHealthInput{{ID: "W", Connected: true}}, 125)
		state = loop.Snapshot()
		assert.Equal(t, 1, countSignals(state, SignalStalled))
		assert.Equal(t, 1, countSignals(state, SignalDisconnected))
		assert.Equal(t, HealthDisconnected, state.Workspaces["W"].Health)
	})
}

func countSignals(state *State, kind SignalKind) int {
	n := 0
	for _, sig := range state.Signals {
		if sig.Kind == kind {
			n++
		}
	}
	return n
}

func TestLoopDispatchLoopbackFeedsMatchingJob(t *testing.T) {
	t.Run("a turn_started event advances the job that was dispatched to the same thread", func(t *testing.T) {
		loop := newTestLoop()
		threadID := "T"
		job := loop.UpsertJob(Job{WorkspaceID: "W", ThreadID: &threadID, Status: JobPending, RequestedAtMs: 1})

		loop.ApplyAppServerEvent("W", turnEvent("turn/started", "T", "U"), 50)

		state := loop.Snapshot()
		updated := state.Jobs[job.ID]
		assert.Equal(t, JobRunning, updated.Status)
		require.NotNil(t, updated.StartedAtMs)
		assert.Equal(t, int64(50), *updated.StartedAtMs)
	})
}

func TestLoopWaitingReplyHappyPath(t *testing.T) {
	t.Run("scenario 4: delivering a reply clears waiting state and resolves the open question", func(t *testing.T) {
		loop := newTestLoop()
		threadID := "T"
		job := loop.UpsertJob(Job{
			WorkspaceID:        "W",
			ThreadID:           &threadID,
			Status:             JobWaitingForUser,
			WaitingRequestID:   strPtr("R"),
			WaitingQuestionIDs: []string{"R"},
			RequestedAtMs:      1,
		})
		loop.ApplyAppServerEvent("W", map[string]any{
			"method": "turn/requestInput",
			"id":     "R",
			"params": map[string]any{"threadId": "T", "question": "which branch?"},
		}, 5)

		err := loop.MarkReplyDelivered(job.ID, "R", "Use staging", 30)

		require.NoError(t, err)
		state := loop.Snapshot()
		updated := state.Jobs[job.ID]
		assert.Equal(t, JobRunning, updated.Status)
		assert.Nil(t, updated.WaitingRequestID)

		q, ok := state.OpenQuestions[RequestKey("W", "R")]
		require.True(t, ok)
		require.NotNil(t, q.ResolvedAtMs)
		assert.Equal(t, int64(30), *q.ResolvedAtMs)

		foundConfirmation := false
		for _, msg := range state.ChatHistory {
			if msg.Role == ChatRoleSystem && msg.Text == "Reply routed to subtask "+job.ID+" (thread T)." {
				foundConfirmation = true
			}
		}
		assert.True(t, foundConfirmation)
	})

	t.Run("rejects delivery against a job that is not waiting", func(t *testing.T) {
		loop := newTestLoop()
		job := loop.UpsertJob(Job{WorkspaceID: "W", Status: JobRunning})

		err := loop.MarkReplyDelivered(job.ID, "R", "reply", 30)

		require.Error(t, err)
		se, ok := AsSupervisorError(err)
		require.True(t, ok)
		assert.Equal(t, KindStateMismatch, se.Kind)
	})

	t.Run("rejects delivery when the request id does not match the waiting one", func(t *testing.T) {
		loop := newTestLoop()
		job := loop.UpsertJob(Job{WorkspaceID: "W", Status: JobWaitingForUser, WaitingRequestID: strPtr("R1")})

		err := loop.MarkReplyDelivered(job.ID, "R2", "reply", 30)

		require.Error(t, err)
	})
}

// fakeObserver records every broadcast it receives, used to confirm the
// loop notifies its observer on every activity/chat push.
type fakeObserver struct {
	activity []ActivityEntry
	chat     []ChatMessage
}

func (f *fakeObserver) OnActivity(entry ActivityEntry) { f.activity = append(f.activity, entry) }
func (f *fakeObserver) OnChatMessage(msg ChatMessage)  { f.chat = append(f.chat, msg) }

func TestLoopObserverNotification(t *testing.T) {
	t.Run("pushing activity and chat notifies the installed observer", func(t *testing.T) {
		loop := newTestLoop()
		obs := &fakeObserver{}
		loop.SetObserver(obs)

		loop.ApplyAppServerEvent("W", map[string]any{"method": "codex/connected"}, 10)
		loop.AppendChatMessage(ChatMessage{ID: "m1", Role: ChatRoleUser, Text: "hello", CreatedAtMs: 10})

		assert.Len(t, obs.activity, 1)
		assert.Len(t, obs.chat, 1)
	})

	t.Run("a nil observer never panics", func(t *testing.T) {
		loop := newTestLoop()
		assert.NotPanics(t, func() {
			loop.ApplyAppServerEvent("W", map[string]any{"method": "codex/connected"}, 10)
		})
	})
}
