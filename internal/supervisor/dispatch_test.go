package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend is an in-memory DispatchBackend + BackendResolver used to
// drive the executor without a real session bus.
type stubBackend struct {
	connected      map[string]bool
	startThreadErr error
	resumeErr      error
	startTurnErr   error
	startTurnResp  map[string]any
	threadCounter  int
	calls          []string
}

func newStubBackend(workspaceIDs ...string) *stubBackend {
	connected := make(map[string]bool, len(workspaceIDs))
	for _, id := range workspaceIDs {
		connected[id] = true
	}
	return &stubBackend{connected: connected}
}

func (b *stubBackend) Backend(workspaceID string) (DispatchBackend, bool) {
	if !b.connected[workspaceID] {
		return nil, false
	}
	return b, true
}

func (b *stubBackend) StartThread(ctx context.Context, workspaceID string) (map[string]any, error) {
	b.calls = append(b.calls, "start_thread:"+workspaceID)
	if b.startThreadErr != nil {
		return nil, b.startThreadErr
	}
	b.threadCounter++
	return map[string]any{"result": map[string]any{"threadId": "thread-generated"}}, nil
}

func (b *stubBackend) ResumeThread(ctx context.Context, workspaceID, threadID string) (map[string]any, error) {
	b.calls = append(b.calls, "resume_thread:"+threadID)
	if b.resumeErr != nil {
		return nil, b.resumeErr
	}
	return map[string]any{"result": map[string]any{"threadId": threadID}}, nil
}

func (b *stubBackend) StartTurn(ctx context.Context, workspaceID, threadID, prompt string, model, effort, accessMode *string) (map[string]any, error) {
	b.calls = append(b.calls, "start_turn:"+threadID)
	if b.startTurnErr != nil {
		return nil, b.startTurnErr
	}
	if b.startTurnResp != nil {
		return b.startTurnResp, nil
	}
	return map[string]any{"result": map[string]any{"turnId": "turn-1"}}, nil
}

func TestExecutorRunBatchDispatchesInOrder(t *testing.T) {
	t.Run("dispatches a new thread and reports the generated thread/turn ids", func(t *testing.T) {
		backend := newStubBackend("ws-1")
		exec := NewExecutor(backend)
		contract := []byte(`{"version":"supervisor.dispatch.v1","actions":[` + validAction("a1") + `]}`)

		results, err := exec.RunBatch(context.Background(), contract)

		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, DispatchDispatched, results[0].Status)
		require.NotNil(t, results[0].ThreadID)
		assert.Equal(t, "thread-generated", *results[0].ThreadID)
		require.NotNil(t, results[0].TurnID)
		assert.Equal(t, "turn-1", *results[0].TurnID)
		assert.False(t, results[0].IdempotentReplay)
	})

	t.Run("resumes an existing thread when thread_id is supplied", func(t *testing.T) {
		backend := newStubBackend("ws-1")
		exec := NewExecutor(backend)
		contract := []byte(`{"version":"supervisor.dispatch.v1","actions":[
			{"type":"dispatch_turn","action_id":"a1","workspace_id":"ws-1","prompt":"p","thread_id":"thread-existing"}
		]}`)

		results, err := exec.RunBatch(context.Background(), contract)

		require.NoError(t, err)
		require.NotNil(t, results[0].ThreadID)
		assert.Equal(t, "thread-existing", *results[0].ThreadID)
		assert.Contains(t, backend.calls, "resume_thread:thread-existing")
	})

	t.Run("an unconnected workspace fails without calling the backend", func(t *testing.T) {
		backend := newStubBackend()
		exec := NewExecutor(backend)
		contract := []byte(`{"version":"supervisor.dispatch.v1","actions":[` + validAction("a1") + `]}`)

		results, err := exec.RunBatch(context.Background(), contract)

		require.NoError(t, err)
		assert.Equal(t, DispatchFailed, results[0].Status)
		require.NotNil(t, results[0].Error)
		assert.Equal(t, "workspace is not connected", *results[0].Error)
		assert.Empty(t, backend.calls)
	})

	t.Run("multiple actions execute in input order against the single executor lock", func(t *testing.T) {
		backend := newStubBackend("ws-1")
		exec := NewExecutor(backend)
		contract := []byte(`{"version":"supervisor.dispatch.v1","actions":[` + validAction("a1") + `,` + validAction("a2") + `]}`)

		results, err := exec.RunBatch(context.Background(), contract)

		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "a1", results[0].ActionID)
		assert.Equal(t, "a2", results[1].ActionID)
	})

	t.Run("an invalid contract never reaches the backend", func(t *testing.T) {
		backend := newStubBackend("ws-1")
		exec := NewExecutor(backend)

		_, err := exec.RunBatch(context.Background(), []byte(`{"version":"v0","actions":[]}`))

		require.Error(t, err)
		assert.Empty(t, backend.calls)
	})
}

func TestExecutorIdempotentReplay(t *testing.T) {
	t.Run("re-dispatching the same dedupe key replays the cached result without calling the backend again", func(t *testing.T) {
		backend := newStubBackend("ws-1")
		exec := NewExecutor(backend)
		contract := []byte(`{"version":"supervisor.dispatch.v1","actions":[
			{"type":"dispatch_turn","action_id":"a1","workspace_id":"ws-1","prompt":"p","dedupe_key":"dk-1"}
		]}`)

		first, err := exec.RunBatch(context.Background(), contract)
		require.NoError(t, err)
		require.False(t, first[0].IdempotentReplay)
		callsAfterFirst := len(backend.calls)

		contractReplay := []byte(`{"version":"supervisor.dispatch.v1","actions":[
			{"type":"dispatch_turn","action_id":"a2","workspace_id":"ws-1","prompt":"p","dedupe_key":"dk-1"}
		]}`)
		second, err := exec.RunBatch(context.Background(), contractReplay)

		require.NoError(t, err)
		require.True(t, second[0].IdempotentReplay)
		assert.Equal(t, "a2", second[0].ActionID, "replay reports the calling action_id, not the original")
		assert.Equal(t, first[0].ThreadID, second[0].ThreadID)
		assert.Len(t, backend.calls, callsAfterFirst, "replay must not re-invoke the backend")
	})

	t.Run("a failed dispatch is cached and replayed as failed", func(t *testing.T) {
		backend := newStubBackend("ws-1")
		backend.startThreadErr = errors.New("backend unavailable")
		exec := NewExecutor(backend)
		contract := []byte(`{"version":"supervisor.dispatch.v1","actions":[
			{"type":"dispatch_turn","action_id":"a1","workspace_id":"ws-1","prompt":"p","dedupe_key":"dk-1"}
		]}`)

		first, err := exec.RunBatch(context.Background(), contract)
		require.NoError(t, err)
		require.Equal(t, DispatchFailed, first[0].Status)

		contractReplay := []byte(`{"version":"supervisor.dispatch.v1","actions":[
			{"type":"dispatch_turn","action_id":"a2","workspace_id":"ws-1","prompt":"p","dedupe_key":"dk-1"}
		]}`)
		second, err := exec.RunBatch(context.Background(), contractReplay)
		require.NoError(t, err)
		assert.Equal(t, DispatchFailed, second[0].Status)
		assert.True(t, second[0].IdempotentReplay)
	})
}

func TestAccessPolicy(t *testing.T) {
	t.Run("nil access mode defaults to current", func(t *testing.T) {
		approval, sandbox := AccessPolicy(nil, "/repo")
		assert.Equal(t, "on-request", approval)
		assert.Contains(t, sandbox, "workspaceWrite")
	})

	t.Run("full-access grants danger-full-access and never approval", func(t *testing.T) {
		mode := "full-access"
		approval, sandbox := AccessPolicy(&mode, "/repo")
		assert.Equal(t, "never", approval)
		assert.Equal(t, map[string]any{"dangerFullAccess": true}, sandbox)
	})

	t.Run("read-only grants a read-only sandbox with on-request approval", func(t *testing.T) {
		mode := "read-only"
		approval, sandbox := AccessPolicy(&mode, "/repo")
		assert.Equal(t, "on-request", approval)
		assert.Equal(t, map[string]any{"readOnly": true}, sandbox)
	})
}
