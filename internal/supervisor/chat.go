package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ChatController parses operator chat input (slash commands and free-form
// prompts), dispatches to the router/executor, and relays replies to
// subtasks waiting on operator input.
type ChatController struct {
	loop       *Loop
	executor   *Executor
	workspaces WorkspaceRegistry
	sessions   SessionRegistry
	settings   func() RouterSettings
	caps       Caps
}

// NewChatController wires a ChatController over its collaborators.
// settings is a closure so the daemon can hot-reload routing knobs.
func NewChatController(loop *Loop, executor *Executor, workspaces WorkspaceRegistry, sessions SessionRegistry, settings func() RouterSettings, caps Caps) *ChatController {
	return &ChatController{loop: loop, executor: executor, workspaces: workspaces, sessions: sessions, settings: settings, caps: caps}
}

// Send runs the chat-send transaction: append a User message, run the
// command, append a System reply (wrapping unexpected errors), and return
// the full history. Commits the User message even if the command fails.
func (c *ChatController) Send(ctx context.Context, rawText string, nowMs int64) []ChatMessage {
	c.loop.AppendChatMessage(ChatMessage{
		ID:          newChatID("user"),
		Role:        ChatRoleUser,
		Text:        rawText,
		CreatedAtMs: nowMs,
	})

	reply, err := c.execute(ctx, rawText, nowMs)
	if err != nil {
		reply = fmt.Sprintf("Error: %s Run /help for command usage.", err.Error())
	}

	c.loop.AppendChatMessage(ChatMessage{
		ID:          newChatID("system"),
		Role:        ChatRoleSystem,
		Text:        reply,
		CreatedAtMs: nowMs,
	})

	return c.loop.ChatHistory()
}

func (c *ChatController) execute(ctx context.Context, rawText string, nowMs int64) (string, error) {
	trimmed := strings.TrimSpace(rawText)
	if strings.HasPrefix(trimmed, "/") {
		return c.runSlashCommand(ctx, trimmed, nowMs)
	}
	return c.runFreeForm(ctx, trimmed, nowMs)
}

// --- slash commands ---

func (c *ChatController) runSlashCommand(ctx context.Context, text string, nowMs int64) (string, error) {
	tokens, err := shellTokenize(text)
	if err != nil {
		return "", NewError(KindInputInvalid, "invalid command syntax: %s", err.Error())
	}
	if len(tokens) == 0 {
		return "", NewError(KindInputInvalid, "empty command")
	}

	switch tokens[0] {
	case "/dispatch":
		return c.cmdDispatch(ctx, tokens[1:], nowMs)
	case "/ack":
		return c.cmdAck(tokens[1:], nowMs)
	case "/status", "/статус":
		return c.cmdStatus(ctx, tokens[1:])
	case "/feed":
		return c.cmdFeed(tokens[1:])
	case "/help":
		return helpText(), nil
	default:
		return "", NewError(KindInputInvalid, "unknown command %q", tokens[0])
	}
}

func (c *ChatController) cmdDispatch(ctx context.Context, args []string, nowMs int64) (string, error) {
	var wsArg, promptArg, threadArg, dedupeArg, modelArg, effortArg, accessArg string
	haveWs, havePrompt := false, false

	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", NewError(KindInputInvalid, "flag %s requires a value", arg)
			}
			i++
			return args[i], nil
		}
		var err error
		switch arg {
		case "--ws":
			wsArg, err = next()
			haveWs = true
		case "--prompt":
			promptArg, err = next()
			havePrompt = true
		case "--thread":
			threadArg, err = next()
		case "--dedupe":
			dedupeArg, err = next()
		case "--model":
			modelArg, err = next()
		case "--effort":
			effortArg, err = next()
		case "--access-mode", "--access":
			accessArg, err = next()
		default:
			return "", NewError(KindInputInvalid, "unknown flag %q; usage: /dispatch --ws a,b --prompt \"...\" [--thread X] [--dedupe X] [--model X] [--effort X] [--access-mode read-only|current|full-access]", arg)
		}
		if err != nil {
			return "", err
		}
	}

	if !haveWs || strings.TrimSpace(wsArg) == "" || !havePrompt || strings.TrimSpace(promptArg) == "" {
		return "", NewError(KindInputInvalid, "usage: /dispatch --ws a,b --prompt \"...\" [--thread X] [--dedupe X] [--model X] [--effort X] [--access-mode read-only|current|full-access]")
	}
	if accessArg != "" && !allowedAccessModes[accessArg] {
		return "", NewError(KindInputInvalid, "invalid access_mode %q", accessArg)
	}

	ids := splitCommaList(wsArg)
	if len(ids) == 0 {
		return "", NewError(KindInputInvalid, "--ws requires at least one workspace id")
	}

	actions := make([]map[string]any, 0, len(ids))
	for i, id := range ids {
		action := map[string]any{
			"type":         "dispatch_turn",
			"action_id":    fmt.Sprintf("action-%d", i+1),
			"workspace_id": id,
			"prompt":       promptArg,
		}
		if threadArg != "" {
			action["thread_id"] = threadArg
		}
		if dedupeArg != "" {
			action["dedupe_key"] = dedupeArg
		}
		if modelArg != "" {
			action["model"] = modelArg
		}
		if effortArg != "" {
			action["effort"] = effortArg
		}
		if accessArg != "" {
			action["access_mode"] = accessArg
		}
		actions = append(actions, action)
	}

	results, err := c.dispatchActions(ctx, actions, nowMs)
	if err != nil {
		return "", err
	}
	return formatDispatchSummary(results), nil
}

func (c *ChatController) cmdAck(args []string, nowMs int64) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", NewError(KindInputInvalid, "usage: /ack <signal_id>")
	}
	if !c.loop.AckSignal(args[0], nowMs) {
		return "", NewError(KindStateMismatch, "no such signal %q", args[0])
	}
	return fmt.Sprintf("Acknowledged signal %s.", args[0]), nil
}

func (c *ChatController) cmdStatus(ctx context.Context, args []string) (string, error) {
	var workspaceID, threadID *string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			if i+1 >= len(args) {
				return "", NewError(KindInputInvalid, "usage: /status [workspace_id] [thread_id] or /status [workspace_id] --thread <thread_id>")
			}
			i++
			v := args[i]
			threadID = &v
		default:
			if workspaceID == nil {
				v := args[i]
				workspaceID = &v
			} else if threadID == nil {
				v := args[i]
				threadID = &v
			} else {
				return "", NewError(KindInputInvalid, "usage: /status [workspace_id] [thread_id] or /status [workspace_id] --thread <thread_id>")
			}
		}
	}
	state := c.loop.Snapshot()
	return formatStatus(state, workspaceID, threadID), nil
}

func (c *ChatController) cmdFeed(args []string) (string, error) {
	needsInputOnly := false
	if len(args) > 0 {
		if args[0] != "needs_input" {
			return "", NewError(KindInputInvalid, "usage: /feed [needs_input]")
		}
		needsInputOnly = true
	}
	state := c.loop.Snapshot()
	return formatFeed(state, c.caps.ChatFeedLimitOr20(), needsInputOnly), nil
}

func helpText() string {
	return strings.Join([]string{
		"Supervisor commands:",
		"/dispatch --ws a,b --prompt \"...\" [--thread X] [--dedupe X] [--model X] [--effort X] [--access-mode read-only|current|full-access]",
		"/ack <signal_id>",
		"/status [workspace_id] [thread_id]",
		"/feed [needs_input]",
		"/help",
		"Reply to a waiting subtask with: @<subtask_id> <reply text>",
	}, "\n")
}

// --- free-form flow ---

var replyPattern = regexp.MustCompile(`^@(\S+)\s+(.*)$`)

func (c *ChatController) runFreeForm(ctx context.Context, text string, nowMs int64) (string, error) {
	waiting := c.loop.WaitingJobs()
	if len(waiting) > 0 {
		return c.routeReply(ctx, text, nowMs, waiting)
	}
	return c.routeViaRouter(ctx, text, nowMs)
}

func (c *ChatController) routeReply(ctx context.Context, text string, nowMs int64, waiting []Job) (string, error) {
	if m := replyPattern.FindStringSubmatch(text); m != nil {
		jobID, replyText := m[1], m[2]
		var target *Job
		for i := range waiting {
			if waiting[i].ID == jobID {
				target = &waiting[i]
				break
			}
		}
		if target == nil {
			return "", NewError(KindStateMismatch, "subtask %q is not currently waiting for input", jobID)
		}
		return c.deliverReply(ctx, *target, replyText, nowMs)
	}

	if len(waiting) == 1 {
		return c.deliverReply(ctx, waiting[0], text, nowMs)
	}

	var b strings.Builder
	b.WriteString("Multiple subtasks are waiting for input; reply with @<id> <answer>:\n")
	for _, job := range waiting {
		b.WriteString(fmt.Sprintf("- %s (workspace %s)\n", job.ID, job.WorkspaceID))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *ChatController) deliverReply(ctx context.Context, job Job, replyText string, nowMs int64) (string, error) {
	requestID := ""
	if job.WaitingRequestID != nil {
		requestID = *job.WaitingRequestID
	}
	payload := ReplyPayload(job.WaitingQuestionIDs, replyText)

	err := c.sessions.SendResponse(ctx, job.WorkspaceID, requestID, payload)
	if err != nil {
		c.loop.MarkReplyDeliveryFailed(job.ID, requestID, err.Error(), nowMs)
		return "", NewError(KindBackendFailure, "failed to deliver reply to subtask %s: %s", job.ID, err.Error())
	}
	if err := c.loop.MarkReplyDelivered(job.ID, requestID, replyText, nowMs); err != nil {
		return "", err
	}
	return fmt.Sprintf("Reply routed to subtask %s (workspace %s).", job.ID, job.WorkspaceID), nil
}

func (c *ChatController) routeViaRouter(ctx context.Context, prompt string, nowMs int64) (string, error) {
	workspaces, err := c.workspaces.List(ctx)
	if err != nil {
		return "", NewError(KindBackendFailure, "failed to list workspaces: %s", err.Error())
	}
	decision := SelectRoute(prompt, workspaces, c.settings())

	switch decision.Kind {
	case RouteLocalTool:
		switch *decision.LocalTool {
		case ToolStatus:
			return formatStatus(c.loop.Snapshot(), nil, nil), nil
		case ToolFeed:
			return formatFeed(c.loop.Snapshot(), 20, false), nil
		case ToolHelp:
			return helpText(), nil
		}
		return helpText(), nil

	case RouteClarification:
		var b strings.Builder
		b.WriteString(decision.Reason)
		if decision.Clarification != nil {
			b.WriteString(" ")
			b.WriteString(*decision.Clarification)
		}
		if decision.FallbackMessage != nil {
			b.WriteString(" ")
			b.WriteString(*decision.FallbackMessage)
		}
		if len(decision.Options) > 0 {
			b.WriteString(" Candidates: ")
			b.WriteString(strings.Join(decision.Options, ", "))
		}
		return b.String(), nil

	case RouteWorkspaceDelegate:
		action := map[string]any{
			"type":         "dispatch_turn",
			"action_id":    "action-1",
			"workspace_id": *decision.WorkspaceID,
			"prompt":       prompt,
		}
		if decision.Model != nil {
			action["model"] = *decision.Model
		}
		results, err := c.dispatchActions(ctx, []map[string]any{action}, nowMs)
		if err != nil {
			return "", err
		}
		return decision.Reason + " " + formatDispatchSummary(results), nil
	}

	return "", NewError(KindInputInvalid, "unable to route prompt")
}

// dispatchActions marshals raw action maps into an action contract and
// runs it through the same runDispatchContract path the core service
// facade's supervisor_dispatch uses, so chat-originated dispatches and
// RPC-originated ones never diverge on job bookkeeping or the loopback
// event.
func (c *ChatController) dispatchActions(ctx context.Context, actions []map[string]any, nowMs int64) ([]DispatchResult, error) {
	contract := map[string]any{
		"version": ActionContractVersion,
		"actions": actions,
	}
	encoded, err := json.Marshal(contract)
	if err != nil {
		return nil, NewError(KindContractInvalid, "failed to build dispatch contract: %s", err.Error())
	}

	return runDispatchContract(ctx, c.loop, c.executor, encoded, nowMs)
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatDispatchSummary(results []DispatchResult) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Dispatched %d action(s):\n", len(results)))
	for _, r := range results {
		status := string(r.Status)
		if r.IdempotentReplay {
			status += " (replay)"
		}
		line := fmt.Sprintf("- %s: %s", r.WorkspaceID, status)
		if r.Error != nil {
			line += " - " + *r.Error
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// --- status / feed formatting ---

func formatStatus(state *State, workspaceID, threadID *string) string {
	var ids []string
	if workspaceID != nil {
		ids = []string{*workspaceID}
	} else {
		for id := range state.Workspaces {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	var b strings.Builder
	b.WriteString("Supervisor status:\n")
	for _, id := range ids {
		ws, ok := state.Workspaces[id]
		if !ok {
			continue
		}
		task := "-"
		if ws.CurrentTask != nil {
			task = *ws.CurrentTask
		}
		b.WriteString(fmt.Sprintf("%s (%s) — health=%s connected=%t task=%s\n", ws.Name, ws.ID, ws.Health, ws.Connected, task))

		threads := threadsForWorkspace(state, id)
		if threadID != nil {
			threads = filterThread(threads, *threadID)
		}
		sort.Slice(threads, func(i, j int) bool {
			li, lj := activityOf(threads[i]), activityOf(threads[j])
			if li != lj {
				return li > lj
			}
			return threads[i].ThreadID < threads[j].ThreadID
		})
		if len(threads) > 10 {
			threads = threads[:10]
		}
		for _, t := range threads {
			b.WriteString(fmt.Sprintf("  thread %s: status=%s\n", t.ThreadID, t.Status))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func threadsForWorkspace(state *State, workspaceID string) []Thread {
	var out []Thread
	for key, t := range state.Threads {
		if key.WorkspaceID == workspaceID {
			out = append(out, t)
		}
	}
	return out
}

func filterThread(threads []Thread, threadID string) []Thread {
	for _, t := range threads {
		if t.ThreadID == threadID {
			return []Thread{t}
		}
	}
	return nil
}

func activityOf(t Thread) int64 {
	if t.LastActivityAtMs != nil {
		return *t.LastActivityAtMs
	}
	return 0
}

func formatFeed(state *State, limit int, needsInputOnly bool) string {
	var b strings.Builder
	b.WriteString("Activity feed:\n")
	count := 0
	for _, entry := range state.ActivityFeed {
		if needsInputOnly && !entry.NeedsInput {
			continue
		}
		b.WriteString(fmt.Sprintf("- [%d] %s: %s\n", entry.CreatedAtMs, entry.Kind, entry.Message))
		count++
		if count >= limit {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ChatFeedLimitOr20 returns the configured chat feed cap, defaulting to
// 20 if unset.
func (c Caps) ChatFeedLimitOr20() int {
	if c.ChatFeedLimit > 0 {
		return c.ChatFeedLimit
	}
	return 20
}

// --- hand-rolled POSIX-style tokenizer ---
//
// Quoting matches POSIX shell word splitting; escapes are limited to
// quotes and backslash.
func shellTokenize(input string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	haveToken := false

	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == '\'':
			haveToken = true
			i++
			for {
				if i >= len(runes) {
					return nil, fmt.Errorf("unterminated single quote")
				}
				if runes[i] == '\'' {
					i++
					break
				}
				current.WriteRune(runes[i])
				i++
			}
		case r == '"':
			haveToken = true
			i++
			for {
				if i >= len(runes) {
					return nil, fmt.Errorf("unterminated double quote")
				}
				if runes[i] == '"' {
					i++
					break
				}
				if runes[i] == '\\' && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\') {
					current.WriteRune(runes[i+1])
					i += 2
					continue
				}
				current.WriteRune(runes[i])
				i++
			}
		case r == '\\':
			haveToken = true
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("trailing backslash")
			}
			current.WriteRune(runes[i+1])
			i += 2
		case r == ' ' || r == '\t' || r == '\n':
			if haveToken {
				tokens = append(tokens, current.String())
				current.Reset()
				haveToken = false
			}
			i++
		default:
			haveToken = true
			current.WriteRune(r)
			i++
		}
	}
	if haveToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
