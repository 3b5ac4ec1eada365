package supervisor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry doubles as both WorkspaceRegistry and SessionRegistry in
// tests, backed by an in-memory stubBackend for dispatch.
type fakeRegistry struct {
	*stubBackend
	workspaces   []WorkspaceMetadata
	sentReplies  []sentReply
	sendReplyErr error
}

type sentReply struct {
	workspaceID, requestID string
	payload                json.RawMessage
}

func (f *fakeRegistry) List(ctx context.Context) ([]WorkspaceMetadata, error) {
	return f.workspaces, nil
}

func (f *fakeRegistry) IsConnected(workspaceID string) bool {
	return f.stubBackend.connected[workspaceID]
}

func (f *fakeRegistry) SendResponse(ctx context.Context, workspaceID, requestID string, payload json.RawMessage) error {
	if f.sendReplyErr != nil {
		return f.sendReplyErr
	}
	f.sentReplies = append(f.sentReplies, sentReply{workspaceID, requestID, payload})
	return nil
}

func newTestChatController(t *testing.T, workspaceIDs ...string) (*ChatController, *Loop, *fakeRegistry) {
	t.Helper()
	loop := newTestLoop()
	backend := newStubBackend(workspaceIDs...)
	registry := &fakeRegistry{stubBackend: backend}
	for _, id := range workspaceIDs {
		registry.workspaces = append(registry.workspaces, healthyWorkspace(id, id))
	}
	executor := NewExecutor(registry)
	settings := func() RouterSettings { return RouterSettings{} }
	chat := NewChatController(loop, executor, registry, registry, settings, DefaultCaps())
	return chat, loop, registry
}

func TestChatControllerSlashDispatch(t *testing.T) {
	t.Run("dispatches to the named workspace and reports a summary", func(t *testing.T) {
		chat, _, _ := newTestChatController(t, "ws-1")

		history := chat.Send(context.Background(), `/dispatch --ws ws-1 --prompt "fix the bug"`, 10)

		require.Len(t, history, 2)
		assert.Equal(t, ChatRoleUser, history[1].Role)
		assert.Equal(t, ChatRoleSystem, history[0].Role, "newest first")
		assert.Contains(t, history[0].Text, "Dispatched 1 action(s)")
	})

	t.Run("rejects a missing --prompt with a usage error", func(t *testing.T) {
		chat, _, _ := newTestChatController(t, "ws-1")

		history := chat.Send(context.Background(), "/dispatch --ws ws-1", 10)

		assert.Contains(t, history[0].Text, "usage: /dispatch")
	})

	t.Run("rejects an invalid access mode", func(t *testing.T) {
		chat, _, _ := newTestChatController(t, "ws-1")

		history := chat.Send(context.Background(), `/dispatch --ws ws-1 --prompt "p" --access-mode god-mode`, 10)

		assert.Contains(t, history[0].Text, "invalid access_mode")
	})

	t.Run("quoted prompts with spaces survive the shell tokenizer", func(t *testing.T) {
		chat, loop, _ := newTestChatController(t, "ws-1")

		chat.Send(context.Background(), `/dispatch --ws ws-1 --prompt "do the thing; carefully"`, 10)

		state := loop.Snapshot()
		require.Len(t, state.Jobs, 1)
		for _, job := range state.Jobs {
			assert.Equal(t, "do the thing; carefully", job.Description)
		}
	})
}

func TestChatControllerAckAndStatus(t *testing.T) {
	t.Run("/ack acknowledges a known signal", func(t *testing.T) {
		chat, loop, _ := newTestChatController(t, "ws-1")
		loop.ApplyAppServerEvent("ws-1", map[string]any{"method": "codex/connected"}, 5)
		// manufacture a signal directly via the loop's health path.
		loop.RunHealthCheck([]WorkspaceHealthInput{{ID: "ws-1", Connected: false}}, 10)
		state := loop.Snapshot()
		require.NotEmpty(t, state.Signals)
		signalID := state.Signals[0].ID

		history := chat.Send(context.Background(), "/ack "+signalID, 20)

		assert.Contains(t, history[0].Text, "Acknowledged signal")
	})

	t.Run("/ack with an unknown id reports an error", func(t *testing.T) {
		chat, _, _ := newTestChatController(t, "ws-1")

		history := chat.Send(context.Background(), "/ack missing", 10)

		assert.Contains(t, history[0].Text, "no such signal")
	})

	t.Run("/status lists workspace health", func(t *testing.T) {
		chat, loop, _ := newTestChatController(t, "ws-1")
		loop.ApplyAppServerEvent("ws-1", map[string]any{"method": "codex/connected"}, 5)

		history := chat.Send(context.Background(), "/status", 10)

		assert.Contains(t, history[0].Text, "Supervisor status:")
		assert.Contains(t, history[0].Text, "ws-1")
	})

	t.Run("unknown commands are rejected", func(t *testing.T) {
		chat, _, _ := newTestChatController(t, "ws-1")

		history := chat.Send(context.Background(), "/bogus", 10)

		assert.Contains(t, history[0].Text, "unknown command")
	})
}

func TestChatControllerReplyRelay(t *testing.T) {
	t.Run("scenario 4: replying to a single waiting subtask relays the answer", func(t *testing.T) {
		chat, loop, registry := newTestChatController(t, "ws-1")
		threadID := "T"
		job := loop.UpsertJob(Job{
			WorkspaceID:        "ws-1",
			ThreadID:           &threadID,
			Status:             JobWaitingForUser,
			WaitingRequestID:   strPtr("R"),
			WaitingQuestionIDs: []string{"R"},
			RequestedAtMs:      1,
		})
		loop.ApplyAppServerEvent("ws-1", map[string]any{
			"method": "turn/requestInput",
			"id":     "R",
			"params": map[string]any{"threadId": "T", "question": "which branch?"},
		}, 5)

		history := chat.Send(context.Background(), "@"+job.ID+" Use staging", 30)

		require.Len(t, registry.sentReplies, 1)
		assert.Equal(t, "ws-1", registry.sentReplies[0].workspaceID)
		assert.Equal(t, "R", registry.sentReplies[0].requestID)

		state := loop.Snapshot()
		assert.Equal(t, JobRunning, state.Jobs[job.ID].Status)
		assert.Contains(t, history[0].Text, "Reply routed to subtask "+job.ID)
	})

	t.Run("a single waiting job accepts a reply with no @id prefix", func(t *testing.T) {
		chat, loop, registry := newTestChatController(t, "ws-1")
		job := loop.UpsertJob(Job{
			WorkspaceID:      "ws-1",
			Status:           JobWaitingForUser,
			WaitingRequestID: strPtr("R"),
			RequestedAtMs:    1,
		})
		loop.ApplyAppServerEvent("ws-1", map[string]any{
			"method": "turn/requestInput",
			"id":     "R",
			"params": map[string]any{"question": "which branch?"},
		}, 5)

		chat.Send(context.Background(), "Use staging", 30)

		require.Len(t, registry.sentReplies, 1)
		state := loop.Snapshot()
		assert.Equal(t, JobRunning, state.Jobs[job.ID].Status)
	})

	t.Run("multiple waiting jobs with no @id prefix prompt for disambiguation", func(t *testing.T) {
		chat, loop, _ := newTestChatController(t, "ws-1")
		loop.UpsertJob(Job{WorkspaceID: "ws-1", Status: JobWaitingForUser, WaitingRequestID: strPtr("R1"), RequestedAtMs: 1})
		loop.UpsertJob(Job{WorkspaceID: "ws-1", Status: JobWaitingForUser, WaitingRequestID: strPtr("R2"), RequestedAtMs: 2})

		history := chat.Send(context.Background(), "Use staging", 30)

		assert.Contains(t, history[0].Text, "Multiple subtasks are waiting")
	})

	t.Run("replying to a job id that is not waiting reports an error", func(t *testing.T) {
		chat, loop, _ := newTestChatController(t, "ws-1")
		loop.UpsertJob(Job{WorkspaceID: "ws-1", Status: JobWaitingForUser, WaitingRequestID: strPtr("R1"), RequestedAtMs: 1})

		history := chat.Send(context.Background(), "@missing-job reply", 30)

		assert.Contains(t, history[0].Text, "is not currently waiting for input")
	})
}

func TestChatControllerFreeFormRouting(t *testing.T) {
	t.Run("routes a free-form prompt to the sole available workspace", func(t *testing.T) {
		chat, _, _ := newTestChatController(t, "ws-1")

		history := chat.Send(context.Background(), "please take care of this", 10)

		assert.Contains(t, history[0].Text, "Dispatched 1 action(s)")
	})

	t.Run("ambiguous prompts across two workspaces ask for clarification", func(t *testing.T) {
		chat, _, _ := newTestChatController(t, "ws-a", "ws-b")

		history := chat.Send(context.Background(), "please handle this task", 10)

		assert.Contains(t, history[0].Text, "Candidates:")
	})
}

func TestShellTokenize(t *testing.T) {
	t.Run("splits on whitespace and honors double quotes", func(t *testing.T) {
		tokens, err := shellTokenize(`/dispatch --ws ws-1 --prompt "fix the bug"`)
		require.NoError(t, err)
		assert.Equal(t, []string{"/dispatch", "--ws", "ws-1", "--prompt", "fix the bug"}, tokens)
	})

	t.Run("honors single quotes literally, without escape processing", func(t *testing.T) {
		tokens, err := shellTokenize(`/ack 'sig-\1'`)
		require.NoError(t, err)
		assert.Equal(t, []string{"/ack", `sig-\1`}, tokens)
	})

	t.Run("a bare backslash escapes the next character", func(t *testing.T) {
		tokens, err := shellTokenize(`/ack sig-1\ with\ space`)
		require.NoError(t, err)
		assert.Equal(t, []string{"/ack", "sig-1 with space"}, tokens)
	})

	t.Run("rejects an unterminated quote", func(t *testing.T) {
		_, err := shellTokenize(`/dispatch --prompt "unterminated`)
		assert.Error(t, err)
	})
}
