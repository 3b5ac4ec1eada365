package supervisor

import (
	"context"
	"encoding/json"
)

// WorkspaceRegistry supplies the candidate workspace list the router and
// status formatter work from. Implemented outside the core; workspace
// identity and settings persistence are the daemon's concern, not the
// core's.
type WorkspaceRegistry interface {
	List(ctx context.Context) ([]WorkspaceMetadata, error)
}

// SessionRegistry is the daemon's session-bus-backed collaborator: it
// reports connectivity, resolves per-workspace dispatch backends, and
// relays operator replies to a waiting session request.
type SessionRegistry interface {
	BackendResolver
	IsConnected(workspaceID string) bool
	SendResponse(ctx context.Context, workspaceID, requestID string, payload json.RawMessage) error
}

// ReplyPayload builds the session reply envelope:
// {answers: {response|<question_id>: {answers: [<reply_text>]}}}.
func ReplyPayload(questionIDs []string, replyText string) json.RawMessage {
	key := "response"
	if len(questionIDs) > 0 && questionIDs[0] != "" {
		key = questionIDs[0]
	}
	answers := map[string]any{
		key: map[string]any{"answers": []string{replyText}},
	}
	payload := map[string]any{"answers": answers}
	encoded, _ := json.Marshal(payload)
	return encoded
}
