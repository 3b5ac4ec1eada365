package supervisor

import (
	"context"
	"encoding/json"

	"github.com/kandev/supervisor/internal/common/logger"
)

// FeedResult is the response shape for supervisor_feed.
type FeedResult struct {
	Items []ActivityEntry `json:"items"`
	Total int             `json:"total"`
}

const (
	feedDefaultLimit = 100
	feedMaxLimit     = 1000
)

// Clock supplies the current time in epoch milliseconds. The core never
// calls time.Now() directly so that tests can drive it deterministically.
type Clock func() int64

// Service is the core service facade: an async-safe wrapper over the loop
// and the executor, plus the chat controller, which holds the
// session/workspace registries and routing settings.
type Service struct {
	loop     *Loop
	executor *Executor
	chat     *ChatController
	clock    Clock
	log      *logger.Logger
}

// NewService constructs the facade. A nil clock is replaced by one that
// always returns 0, and a nil logger by the process-wide default.
func NewService(loop *Loop, executor *Executor, chat *ChatController, clock Clock, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	return &Service{loop: loop, executor: executor, chat: chat, clock: clock, log: log}
}

// Snapshot implements supervisor_snapshot.
func (s *Service) Snapshot(ctx context.Context) *State {
	return s.loop.Snapshot()
}

// Feed implements supervisor_feed, applying the default/max limit policy.
func (s *Service) Feed(ctx context.Context, limit *int, needsInputOnly bool) FeedResult {
	n := feedDefaultLimit
	if limit != nil {
		n = *limit
	}
	if n > feedMaxLimit {
		n = feedMaxLimit
	}
	if n < 0 {
		n = 0
	}

	state := s.loop.Snapshot()
	items := make([]ActivityEntry, 0, n)
	for _, entry := range state.ActivityFeed {
		if needsInputOnly && !entry.NeedsInput {
			continue
		}
		items = append(items, entry)
		if len(items) >= n {
			break
		}
	}
	return FeedResult{Items: items, Total: len(state.ActivityFeed)}
}

// AckSignal implements supervisor_ack_signal.
func (s *Service) AckSignal(ctx context.Context, signalID string) error {
	if signalID == "" {
		return NewError(KindInputInvalid, "signalId is required")
	}
	now := s.clock()
	if !s.loop.AckSignal(signalID, now) {
		return NewError(KindStateMismatch, "no such signal %q", signalID)
	}
	return nil
}

// Dispatch implements supervisor_dispatch: run the batch, then loop each
// result back into the supervisor loop and update job bookkeeping. This
// is the single dispatch-and-record path; the chat controller's own
// dispatch commands go through the same runDispatchContract helper
// rather than duplicating the loopback.
func (s *Service) Dispatch(ctx context.Context, contract json.RawMessage) ([]DispatchResult, error) {
	return runDispatchContract(ctx, s.loop, s.executor, contract, s.clock())
}

// runDispatchContract validates and executes a dispatch contract, then
// for each result synthesizes the matching loop event and upserts a Job
// record. Shared by Service.Dispatch and ChatController.dispatchActions
// so the two RPC entry points never diverge on bookkeeping.
func runDispatchContract(ctx context.Context, loop *Loop, executor *Executor, contract json.RawMessage, now int64) ([]DispatchResult, error) {
	results, err := executor.RunBatch(ctx, contract)
	if err != nil {
		return nil, err
	}

	actions, err := ValidateContract(contract)
	if err != nil {
		// RunBatch already validated the contract; this only re-derives
		// per-action metadata (thread id, model, effort, route) for
		// bookkeeping, so a failure here should be unreachable.
		return results, nil
	}

	byActionID := make(map[string]DispatchTurnAction, len(actions))
	for _, a := range actions {
		byActionID[a.ActionID] = a
	}

	for _, result := range results {
		action, ok := byActionID[result.ActionID]
		if !ok {
			continue
		}
		recordDispatchJob(loop, action, result, now)
	}

	return results, nil
}

func recordDispatchJob(loop *Loop, action DispatchTurnAction, result DispatchResult, now int64) {
	job := Job{
		ID:            newJobID(),
		WorkspaceID:   result.WorkspaceID,
		ThreadID:      action.ThreadID,
		DedupeKey:     action.DedupeKey,
		Description:   truncate(action.Prompt, 240),
		RequestedAtMs: now,
		RouteKind:     action.RouteKind,
		RouteReason:   action.RouteReason,
		RouteFallback: action.RouteFallback,
		Model:         action.Model,
		Effort:        action.Effort,
		AccessMode:    action.AccessMode,
	}

	if result.Status == DispatchDispatched {
		job.Status = JobRunning
		job.StartedAtMs = &now
		loop.UpsertJob(job)

		synth := map[string]any{
			"method": "turn/started",
			"params": map[string]any{
				"threadId": derefOrEmpty(result.ThreadID),
				"turn":     map[string]any{"id": derefOrEmpty(result.TurnID)},
			},
		}
		loop.ApplyAppServerEvent(result.WorkspaceID, synth, now)
		return
	}

	job.Status = JobFailed
	job.CompletedAtMs = &now
	job.Error = result.Error
	loop.UpsertJob(job)

	synth := map[string]any{
		"method": "error",
		"params": map[string]any{
			"threadId": derefOrEmpty(result.ThreadID),
			"error":    map[string]any{"message": derefOrEmpty(result.Error)},
		},
	}
	loop.ApplyAppServerEvent(result.WorkspaceID, synth, now)
}

// ChatHistory implements supervisor_chat_history.
func (s *Service) ChatHistory(ctx context.Context) []ChatMessage {
	return s.loop.ChatHistory()
}

// ChatSend implements supervisor_chat_send.
func (s *Service) ChatSend(ctx context.Context, command string) []ChatMessage {
	now := s.clock()
	return s.chat.Send(ctx, command, now)
}
