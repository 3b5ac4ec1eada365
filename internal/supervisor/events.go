package supervisor

import (
	"encoding/json"
	"strconv"
	"strings"
)

// EventKind discriminates the closed set of normalized supervisor events
// produced by Normalize.
type EventKind string

const (
	EventTurnStarted        EventKind = "turn_started"
	EventTurnCompleted      EventKind = "turn_completed"
	EventItemStarted        EventKind = "item_started"
	EventItemCompleted      EventKind = "item_completed"
	EventApprovalRequested  EventKind = "approval_requested"
	EventUserInputRequested EventKind = "user_input_requested"
	EventError              EventKind = "error"
)

// Event is the normalized, closed-variant form of a raw session message.
// Exactly one of the optional groups below is populated, selected by Kind.
type Event struct {
	Kind        EventKind
	WorkspaceID string
	ReceivedAtMs int64

	// TurnStarted / TurnCompleted / ItemStarted / ItemCompleted
	ThreadID string
	ItemID   string // turn id for turn events, item id for item events
	ItemType *string
	Task     *string

	// ApprovalRequested / UserInputRequested
	RequestKey    string
	RequestID     string
	Method        string
	ApprovalTurnID *string
	ApprovalItemID *string
	Question      string
	Params        json.RawMessage

	// Error
	ErrorThreadID *string
	ErrorTurnID   *string
	Message       string
	WillRetry     bool
}

// Normalize maps a raw, loosely-typed session message into the closed
// SupervisorEvent set, or returns (nil, false) for messages the loop does
// not act on (including "codex/connected", handled separately by the loop).
func Normalize(workspaceID string, raw map[string]any, receivedAtMs int64) (*Event, bool) {
	method := strings.TrimSpace(extractString(raw, "method"))
	if method == "" {
		return nil, false
	}

	switch method {
	case "turn/started":
		return normalizeTurnEvent(workspaceID, raw, receivedAtMs, EventTurnStarted)
	case "turn/completed":
		return normalizeTurnEvent(workspaceID, raw, receivedAtMs, EventTurnCompleted)
	case "item/started":
		return normalizeItemEvent(workspaceID, raw, receivedAtMs, EventItemStarted)
	case "item/completed":
		return normalizeItemEvent(workspaceID, raw, receivedAtMs, EventItemCompleted)
	case "error":
		return normalizeErrorEvent(workspaceID, raw, receivedAtMs)
	}

	if strings.HasSuffix(method, "requestApproval") {
		return normalizeRequestEvent(workspaceID, raw, receivedAtMs, method, EventApprovalRequested)
	}
	if strings.HasSuffix(method, "requestInput") {
		return normalizeRequestEvent(workspaceID, raw, receivedAtMs, method, EventUserInputRequested)
	}

	return nil, false
}

func normalizeTurnEvent(workspaceID string, raw map[string]any, receivedAtMs int64, kind EventKind) (*Event, bool) {
	params := objectField(raw, "params")
	nested := objectField(params, "turn")

	threadID := extractField(params, "threadId", "thread_id")
	if threadID == "" {
		threadID = extractField(nested, "threadId", "thread_id")
	}
	turnID := extractField(params, "turnId", "turn_id", "id")
	if turnID == "" {
		turnID = extractField(nested, "id")
	}
	if threadID == "" || turnID == "" {
		return nil, false
	}

	task := extractTask(params)
	if task == nil {
		task = extractTask(nested)
	}

	return &Event{
		Kind:         kind,
		WorkspaceID:  workspaceID,
		ReceivedAtMs: receivedAtMs,
		ThreadID:     threadID,
		ItemID:       turnID,
		Task:         task,
	}, true
}

func normalizeItemEvent(workspaceID string, raw map[string]any, receivedAtMs int64, kind EventKind) (*Event, bool) {
	params := objectField(raw, "params")
	nested := objectField(params, "item")

	threadID := extractField(params, "threadId", "thread_id")
	if threadID == "" {
		threadID = extractField(nested, "threadId", "thread_id")
	}
	itemID := extractField(params, "itemId", "item_id", "id")
	if itemID == "" {
		itemID = extractField(nested, "id")
	}
	if threadID == "" || itemID == "" {
		return nil, false
	}

	var itemType *string
	if t := extractField(nested, "type", "itemType", "item_type"); t != "" {
		itemType = &t
	}

	task := extractTask(params)
	if task == nil {
		task = extractTask(nested)
	}

	return &Event{
		Kind:         kind,
		WorkspaceID:  workspaceID,
		ReceivedAtMs: receivedAtMs,
		ThreadID:     threadID,
		ItemID:       itemID,
		ItemType:     itemType,
		Task:         task,
	}, true
}

func normalizeRequestEvent(workspaceID string, raw map[string]any, receivedAtMs int64, method string, kind EventKind) (*Event, bool) {
	requestID := extractRequestID(raw)
	if requestID == "" {
		return nil, false
	}
	params := objectField(raw, "params")

	var threadID, turnID, itemID *string
	if v := extractField(params, "threadId", "thread_id"); v != "" {
		threadID = &v
	}
	if v := extractField(params, "turnId", "turn_id"); v != "" {
		turnID = &v
	}
	if v := extractField(params, "itemId", "item_id"); v != "" {
		itemID = &v
	}

	paramsJSON, _ := json.Marshal(params)

	ev := &Event{
		Kind:           kind,
		WorkspaceID:    workspaceID,
		ReceivedAtMs:   receivedAtMs,
		RequestKey:     RequestKey(workspaceID, requestID),
		RequestID:      requestID,
		Method:         method,
		ThreadID:       derefOr(threadID, ""),
		ApprovalTurnID: turnID,
		ApprovalItemID: itemID,
		Params:         paramsJSON,
	}

	if kind == EventUserInputRequested {
		question := extractField(params, "question", "prompt", "message")
		ev.Question = strings.TrimSpace(question)
		if ev.Question == "" && params != nil {
			ev.Question = string(paramsJSON)
		}
	}

	return ev, true
}

func normalizeErrorEvent(workspaceID string, raw map[string]any, receivedAtMs int64) (*Event, bool) {
	params := objectField(raw, "params")
	nestedErr := objectField(params, "error")

	message := extractField(nestedErr, "message")
	if message == "" {
		message = extractField(params, "message")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, false
	}

	willRetry := extractBool(params, "willRetry", "will_retry")

	var threadID, turnID *string
	if v := extractField(params, "threadId", "thread_id"); v != "" {
		threadID = &v
	}
	if v := extractField(params, "turnId", "turn_id"); v != "" {
		turnID = &v
	}

	return &Event{
		Kind:          EventError,
		WorkspaceID:   workspaceID,
		ReceivedAtMs:  receivedAtMs,
		ErrorThreadID: threadID,
		ErrorTurnID:   turnID,
		Message:       message,
		WillRetry:     willRetry,
	}, true
}

// --- JSON extraction helpers ---

func objectField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	obj, _ := v.(map[string]any)
	return obj
}

func extractString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// extractField checks each key in order and returns the first non-empty
// trimmed string value found.
func extractField(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}

func extractBool(m map[string]any, keys ...string) bool {
	if m == nil {
		return false
	}
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return false
}

// extractRequestID handles the message envelope's "id" field in any of its
// JSON-numeric or string forms.
func extractRequestID(m map[string]any) string {
	if m == nil {
		return ""
	}
	v, ok := m["id"]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatInt(int64(val), 10)
	}
	return ""
}

// extractTask checks the conventional task/summary aliases, in priority order.
func extractTask(m map[string]any) *string {
	s := extractField(m, "currentTask", "current_task", "summary", "preview", "title")
	if s == "" {
		return nil
	}
	return &s
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
