package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DispatchStatus is the terminal state of one dispatch action.
type DispatchStatus string

const (
	DispatchDispatched DispatchStatus = "dispatched"
	DispatchFailed     DispatchStatus = "failed"
)

// DispatchResult is the outcome of one dispatch action.
type DispatchResult struct {
	ActionID         string         `json:"action_id"`
	WorkspaceID      string         `json:"workspace_id"`
	DedupeKey        string         `json:"dedupe_key"`
	Status           DispatchStatus `json:"status"`
	ThreadID         *string        `json:"thread_id,omitempty"`
	TurnID           *string        `json:"turn_id,omitempty"`
	Error            *string        `json:"error,omitempty"`
	IdempotentReplay bool           `json:"idempotent_replay"`
}

// DispatchBackend is the per-workspace RPC capability the executor
// consumes. Implementations live outside the core; the daemon wires a
// session-bus-backed one and tests wire an in-memory stub.
type DispatchBackend interface {
	StartThread(ctx context.Context, workspaceID string) (map[string]any, error)
	ResumeThread(ctx context.Context, workspaceID, threadID string) (map[string]any, error)
	StartTurn(ctx context.Context, workspaceID, threadID, prompt string, model, effort, accessMode *string) (map[string]any, error)
}

// BackendResolver looks up the dispatch backend for a workspace.
type BackendResolver interface {
	Backend(workspaceID string) (DispatchBackend, bool)
}

// IdempotencyStore is a process-lifetime map of (workspace_id,
// dedupe_token) to the DispatchResult previously produced for it. An
// ordered map backs it (insertion order) so snapshots are deterministic
// in tests.
type IdempotencyStore struct {
	mu      sync.Mutex
	order   []string
	results map[string]DispatchResult
}

// NewIdempotencyStore constructs an empty store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{results: make(map[string]DispatchResult)}
}

func (s *IdempotencyStore) get(key string) (DispatchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[key]
	return r, ok
}

func (s *IdempotencyStore) insert(key string, result DispatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[key]; !exists {
		s.order = append(s.order, key)
	}
	s.results[key] = result
}

// Snapshot returns the stored results in insertion order.
func (s *IdempotencyStore) Snapshot() []DispatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DispatchResult, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.results[key])
	}
	return out
}

// Executor validates contracts and runs dispatch batches, ordered and
// without parallelism within a batch.
type Executor struct {
	mu       sync.Mutex
	store    *IdempotencyStore
	backends BackendResolver
}

// NewExecutor constructs an executor over the given backend resolver.
func NewExecutor(backends BackendResolver) *Executor {
	return &Executor{store: NewIdempotencyStore(), backends: backends}
}

// RunBatch validates the contract, then executes each action in order,
// holding the executor lock for the whole batch.
func (e *Executor) RunBatch(ctx context.Context, contractJSON json.RawMessage) ([]DispatchResult, error) {
	actions, err := ValidateContract(contractJSON)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]DispatchResult, 0, len(actions))
	for _, action := range actions {
		results = append(results, e.runOne(ctx, action))
	}
	return results, nil
}

func (e *Executor) runOne(ctx context.Context, action DispatchTurnAction) DispatchResult {
	if cached, ok := e.store.get(action.ScopedDedupeKey); ok {
		replay := cached
		replay.ActionID = action.ActionID
		replay.IdempotentReplay = true
		return replay
	}

	result := e.dispatch(ctx, action)
	e.store.insert(action.ScopedDedupeKey, result)
	return result
}

func (e *Executor) dispatch(ctx context.Context, action DispatchTurnAction) DispatchResult {
	base := DispatchResult{
		ActionID:    action.ActionID,
		WorkspaceID: action.WorkspaceID,
		DedupeKey:   action.DedupeToken,
	}

	backend, ok := e.backends.Backend(action.WorkspaceID)
	if !ok {
		return failed(base, "workspace is not connected")
	}

	threadID, err := e.acquireThread(ctx, backend, action)
	if err != nil {
		return failed(base, err.Error())
	}
	base.ThreadID = &threadID

	resp, err := backend.StartTurn(ctx, action.WorkspaceID, threadID, action.Prompt, action.Model, action.Effort, action.AccessMode)
	if err != nil {
		return failed(base, err.Error())
	}
	if msg := responseErrorMessage(resp); msg != "" {
		return failed(base, msg)
	}

	base.Status = DispatchDispatched
	if turnID := extractField(objectField(resp, "result"), "turnId"); turnID != "" {
		base.TurnID = &turnID
	} else if turnID := extractField(resp, "turnId"); turnID != "" {
		base.TurnID = &turnID
	} else if nested := objectField(objectField(resp, "result"), "turn"); nested != nil {
		if id := extractField(nested, "id"); id != "" {
			base.TurnID = &id
		}
	}
	return base
}

func (e *Executor) acquireThread(ctx context.Context, backend DispatchBackend, action DispatchTurnAction) (string, error) {
	if action.ThreadID != nil {
		resp, err := backend.ResumeThread(ctx, action.WorkspaceID, *action.ThreadID)
		if err != nil {
			return "", err
		}
		if msg := responseErrorMessage(resp); msg != "" {
			return "", fmt.Errorf("%s", msg)
		}
		if id := extractThreadID(resp); id != "" {
			return id, nil
		}
		return *action.ThreadID, nil
	}

	resp, err := backend.StartThread(ctx, action.WorkspaceID)
	if err != nil {
		return "", err
	}
	if msg := responseErrorMessage(resp); msg != "" {
		return "", fmt.Errorf("%s", msg)
	}
	id := extractThreadID(resp)
	if id == "" {
		return "", fmt.Errorf("backend did not return a threadId")
	}
	return id, nil
}

func extractThreadID(resp map[string]any) string {
	result := objectField(resp, "result")
	if id := extractField(result, "threadId"); id != "" {
		return id
	}
	if nested := objectField(result, "thread"); nested != nil {
		if id := extractField(nested, "id"); id != "" {
			return id
		}
	}
	if id := extractField(resp, "threadId"); id != "" {
		return id
	}
	if nested := objectField(resp, "thread"); nested != nil {
		if id := extractField(nested, "id"); id != "" {
			return id
		}
	}
	return ""
}

// responseErrorMessage extracts a human-readable message from a response's
// "error" field, which may be an object (with "message"), a bare string,
// or arbitrary JSON (stringified as a last resort).
func responseErrorMessage(resp map[string]any) string {
	raw, ok := resp["error"]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		if msg := extractField(v, "message"); msg != "" {
			return msg
		}
		encoded, _ := json.Marshal(v)
		return string(encoded)
	default:
		encoded, _ := json.Marshal(v)
		return string(encoded)
	}
}

func failed(base DispatchResult, message string) DispatchResult {
	base.Status = DispatchFailed
	base.Error = &message
	return base
}

// AccessPolicy composes the backend turn-start parameters for an access
// mode, per SPEC_FULL's "Dispatch backend parameter shapes".
func AccessPolicy(accessMode *string, workspacePath string) (approvalPolicy string, sandboxPolicy map[string]any) {
	mode := "current"
	if accessMode != nil {
		mode = *accessMode
	}
	if mode == "full-access" {
		approvalPolicy = "never"
	} else {
		approvalPolicy = "on-request"
	}
	switch mode {
	case "full-access":
		sandboxPolicy = map[string]any{"dangerFullAccess": true}
	case "read-only":
		sandboxPolicy = map[string]any{"readOnly": true}
	default:
		sandboxPolicy = map[string]any{
			"workspaceWrite": map[string]any{
				"writableRoots": []string{workspacePath},
				"networkAccess": true,
			},
		}
	}
	return approvalPolicy, sandboxPolicy
}
