package supervisor

import (
	"encoding/json"
	"strings"
)

// ActionContractVersion is the only version the executor accepts.
const ActionContractVersion = "supervisor.dispatch.v1"

// DispatchTurnAction is a single validated, normalized action from a
// dispatch contract.
type DispatchTurnAction struct {
	ActionID    string
	WorkspaceID string
	Prompt      string
	ThreadID    *string
	DedupeKey   *string
	Model       *string
	Effort      *string
	AccessMode  *string
	RouteKind   *string
	RouteReason *string
	RouteFallback *string

	DedupeToken      string
	ScopedDedupeKey  string
}

// rawActionContract / rawAction mirror the wire JSON shape exactly so that
// unknown-field rejection can be implemented without a third-party
// schema validator (the corpus carries none for this narrow concern).
type rawActionContract struct {
	Version string            `json:"version"`
	Actions []json.RawMessage `json:"actions"`
}

type rawAction struct {
	Type          string  `json:"type"`
	ActionID      string  `json:"action_id"`
	WorkspaceID   string  `json:"workspace_id"`
	Prompt        string  `json:"prompt"`
	ThreadID      *string `json:"thread_id,omitempty"`
	DedupeKey     *string `json:"dedupe_key,omitempty"`
	Model         *string `json:"model,omitempty"`
	Effort        *string `json:"effort,omitempty"`
	AccessMode    *string `json:"access_mode,omitempty"`
	RouteKind     *string `json:"route_kind,omitempty"`
	RouteReason   *string `json:"route_reason,omitempty"`
	RouteFallback *string `json:"route_fallback,omitempty"`
}

var allowedActionFields = map[string]bool{
	"type": true, "action_id": true, "workspace_id": true, "prompt": true,
	"thread_id": true, "dedupe_key": true, "model": true, "effort": true,
	"access_mode": true, "route_kind": true, "route_reason": true, "route_fallback": true,
}

var allowedTopLevelFields = map[string]bool{"version": true, "actions": true}
var allowedAccessModes = map[string]bool{"read-only": true, "current": true, "full-access": true}

// ValidateContract parses and validates a raw dispatch contract, returning
// the normalized actions in input order. Error strings use Go's
// backtick-quoted style rather than %q-escaped strings.
func ValidateContract(raw json.RawMessage) ([]DispatchTurnAction, error) {
	var topLevel map[string]any
	if err := json.Unmarshal(raw, &topLevel); err != nil {
		return nil, NewError(KindContractInvalid, "invalid contract JSON: %v", err)
	}
	for field := range topLevel {
		if !allowedTopLevelFields[field] {
			return nil, NewError(KindContractInvalid, "unknown field `%s` in supervisor contract", field)
		}
	}

	var contract rawActionContract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return nil, NewError(KindContractInvalid, "invalid contract JSON: %v", err)
	}

	if strings.TrimSpace(contract.Version) != ActionContractVersion {
		return nil, NewError(KindContractInvalid,
			"unsupported supervisor contract version `%s` (expected `%s`)", contract.Version, ActionContractVersion)
	}
	if len(contract.Actions) == 0 {
		return nil, NewError(KindContractInvalid, "actions must contain at least one item")
	}

	seenActionIDs := make(map[string]bool, len(contract.Actions))
	seenDedupe := make(map[string]bool, len(contract.Actions))
	out := make([]DispatchTurnAction, 0, len(contract.Actions))

	for _, rawAct := range contract.Actions {
		action, err := normalizeDispatchTurnAction(rawAct)
		if err != nil {
			return nil, err
		}
		if seenActionIDs[action.ActionID] {
			return nil, NewError(KindContractInvalid, "duplicate action_id `%s` in supervisor contract", action.ActionID)
		}
		seenActionIDs[action.ActionID] = true

		if seenDedupe[action.ScopedDedupeKey] {
			return nil, NewError(KindContractInvalid,
				"duplicate dedupe key `%s` for workspace `%s`", action.DedupeToken, action.WorkspaceID)
		}
		seenDedupe[action.ScopedDedupeKey] = true

		out = append(out, action)
	}

	return out, nil
}

func normalizeDispatchTurnAction(raw json.RawMessage) (DispatchTurnAction, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return DispatchTurnAction{}, NewError(KindContractInvalid, "invalid action JSON: %v", err)
	}
	for field := range fields {
		if !allowedActionFields[field] {
			return DispatchTurnAction{}, NewError(KindContractInvalid, "unknown field `%s` in supervisor contract action", field)
		}
	}

	var a rawAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return DispatchTurnAction{}, NewError(KindContractInvalid, "invalid action JSON: %v", err)
	}
	if a.Type != "dispatch_turn" {
		return DispatchTurnAction{}, NewError(KindContractInvalid, "unknown action type `%s`", a.Type)
	}

	actionID, err := normalizeRequired("action_id", a.ActionID)
	if err != nil {
		return DispatchTurnAction{}, err
	}
	workspaceID, err := normalizeRequired("workspace_id", a.WorkspaceID)
	if err != nil {
		return DispatchTurnAction{}, err
	}
	prompt, err := normalizeRequired("prompt", a.Prompt)
	if err != nil {
		return DispatchTurnAction{}, err
	}

	threadID := normalizeOptional(a.ThreadID)
	dedupeKey := normalizeOptional(a.DedupeKey)
	model := normalizeOptional(a.Model)
	effort := normalizeOptional(a.Effort)
	accessMode := normalizeOptional(a.AccessMode)
	if accessMode != nil {
		if !allowedAccessModes[*accessMode] {
			return DispatchTurnAction{}, NewError(KindInputInvalid, "invalid access_mode `%s`", *accessMode)
		}
	}

	dedupeToken := actionID
	if dedupeKey != nil {
		dedupeToken = *dedupeKey
	}

	return DispatchTurnAction{
		ActionID:        actionID,
		WorkspaceID:     workspaceID,
		Prompt:          prompt,
		ThreadID:        threadID,
		DedupeKey:       dedupeKey,
		Model:           model,
		Effort:          effort,
		AccessMode:      accessMode,
		RouteKind:       normalizeOptional(a.RouteKind),
		RouteReason:     normalizeOptional(a.RouteReason),
		RouteFallback:   normalizeOptional(a.RouteFallback),
		DedupeToken:     dedupeToken,
		ScopedDedupeKey: workspaceID + ":" + dedupeToken,
	}, nil
}

func normalizeRequired(fieldName, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", NewError(KindContractInvalid, "%s is required", fieldName)
	}
	return v, nil
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	return &v
}
