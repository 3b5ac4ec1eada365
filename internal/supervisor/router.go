package supervisor

import (
	"sort"
	"strings"
)

// RouteKind discriminates the router's decision.
type RouteKind string

const (
	RouteWorkspaceDelegate RouteKind = "workspace_delegate"
	RouteLocalTool         RouteKind = "local_tool"
	RouteClarification     RouteKind = "clarification"
)

// LocalTool enumerates the chat-controller-handled local intents.
type LocalTool string

const (
	ToolStatus LocalTool = "status"
	ToolFeed   LocalTool = "feed"
	ToolHelp   LocalTool = "help"
)

// WorkspaceMetadata is the router's view of a candidate workspace.
type WorkspaceMetadata struct {
	WorkspaceID  string
	Name         string
	Path         string
	Branch       *string
	Connected    bool
	Available    bool
	Health       Health
	Capabilities []string
}

// RouterSettings are the operator-configurable routing knobs.
type RouterSettings struct {
	DedicatedWorkspaceEnabled bool
	DedicatedWorkspaceID      string
	FastModel                 string
}

// RouteDecision is the router's output.
type RouteDecision struct {
	Kind                   RouteKind
	Reason                 string
	WorkspaceID            *string
	LocalTool              *LocalTool
	Model                  *string
	UsedDedicatedWorkspace bool
	FallbackMessage        *string
	Clarification          *string
	Options                []string
	Candidates             []WorkspaceMetadata
}

// SelectRoute scores each candidate workspace against the prompt and
// picks where to delegate it, or falls back to a local tool or a
// clarification request when no workspace is a clear winner.
func SelectRoute(prompt string, workspaces []WorkspaceMetadata, settings RouterSettings) RouteDecision {
	normalized := strings.ToLower(strings.TrimSpace(prompt))

	if tool, ok := detectLocalTool(normalized); ok {
		return RouteDecision{
			Kind:      RouteLocalTool,
			Reason:    "Prompt matched Supervisor local-tool intent.",
			LocalTool: &tool,
		}
	}

	available := make([]WorkspaceMetadata, 0, len(workspaces))
	for _, ws := range workspaces {
		if ws.Connected && ws.Available && ws.Health != HealthDisconnected {
			available = append(available, ws)
		}
	}

	if len(available) == 0 {
		return clarificationDecision(
			"No connected workspace is currently available for delegation.",
			"Connect a workspace or explicitly route with `/dispatch --ws ...`.",
			nil)
	}

	if settings.DedicatedWorkspaceEnabled {
		if settings.DedicatedWorkspaceID == "" {
			first := available[0]
			return RouteDecision{
				Kind:        RouteWorkspaceDelegate,
				Reason:      "Dedicated Supervisor workspace mode is enabled with no configured id; using the first available workspace.",
				WorkspaceID: &first.WorkspaceID,
				Candidates:  available,
			}
		}
		for _, ws := range available {
			if ws.WorkspaceID == settings.DedicatedWorkspaceID {
				id := ws.WorkspaceID
				decision := RouteDecision{
					Kind:                   RouteWorkspaceDelegate,
					Reason:                 "Dedicated Supervisor workspace mode is enabled; routed to `" + id + "`.",
					WorkspaceID:            &id,
					UsedDedicatedWorkspace: true,
					Candidates:             available,
				}
				if settings.FastModel != "" {
					decision.Model = &settings.FastModel
				}
				return decision
			}
		}
		fallback := "Dedicated workspace `" + settings.DedicatedWorkspaceID + "` is unavailable; using standard routing fallback."
		return scoreAndSelect(normalized, available, &fallback)
	}

	return scoreAndSelect(normalized, available, nil)
}

func detectLocalTool(normalized string) (LocalTool, bool) {
	switch {
	case matchesAny(normalized, "help", "what can you do"):
		return ToolHelp, true
	case matchesAny(normalized, "status", "show status", "supervisor status", "global status"):
		return ToolStatus, true
	case matchesAny(normalized, "feed", "activity feed", "show feed", "activity"):
		return ToolFeed, true
	}
	return "", false
}

func matchesAny(normalized string, phrases ...string) bool {
	for _, phrase := range phrases {
		if normalized == phrase || strings.HasPrefix(normalized, phrase+" ") {
			return true
		}
	}
	return false
}

type scoredWorkspace struct {
	meta  WorkspaceMetadata
	score int
}

func scoreAndSelect(normalizedPrompt string, available []WorkspaceMetadata, fallback *string) RouteDecision {
	scored := make([]scoredWorkspace, 0, len(available))
	for _, ws := range available {
		scored = append(scored, scoredWorkspace{meta: ws, score: scoreWorkspace(normalizedPrompt, ws)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].meta.WorkspaceID < scored[j].meta.WorkspaceID
	})

	top := scored[0]
	explicit := mentionsExplicitly(normalizedPrompt, top.meta)
	ambiguousTie := len(scored) > 1 && scored[1].score == top.score && !explicit

	if ambiguousTie || top.score < 25 {
		options := make([]string, 0, 4)
		for i := 0; i < len(scored) && i < 4; i++ {
			options = append(options, scored[i].meta.WorkspaceID)
		}
		decision := clarificationDecision(
			"Multiple workspaces are plausible destinations for this prompt.",
			"Mention the workspace by name or id, or route explicitly with `/dispatch --ws ...`.",
			options)
		decision.Candidates = available
		decision.FallbackMessage = fallback
		return decision
	}

	reason := "Routed to the highest-ranked available workspace."
	if explicit {
		reason = "Prompt explicitly mentioned this workspace."
	}
	id := top.meta.WorkspaceID
	return RouteDecision{
		Kind:            RouteWorkspaceDelegate,
		Reason:          reason,
		WorkspaceID:     &id,
		FallbackMessage: fallback,
		Candidates:      available,
	}
}

func scoreWorkspace(normalizedPrompt string, ws WorkspaceMetadata) int {
	score := 0
	switch ws.Health {
	case HealthHealthy:
		score += 30
	case HealthStale:
		score += 18
	case HealthDisconnected:
		score -= 100
	}
	if ws.Available {
		score += 15
	}
	if ws.Connected {
		score += 10
	}
	caps := len(ws.Capabilities)
	if caps > 6 {
		caps = 6
	}
	score += caps
	if mentionsExplicitly(normalizedPrompt, ws) {
		score += 70
	}
	return score
}

// mentionsExplicitly checks whether the prompt substring-mentions the
// workspace id, any 3+-letter token of its name, its path basename, or its
// branch.
func mentionsExplicitly(normalizedPrompt string, ws WorkspaceMetadata) bool {
	if ws.WorkspaceID != "" && strings.Contains(normalizedPrompt, strings.ToLower(ws.WorkspaceID)) {
		return true
	}
	for _, token := range strings.Fields(strings.ToLower(ws.Name)) {
		token = strings.Trim(token, ".,:;!?\"'()[]{}")
		if len(token) >= 3 && strings.Contains(normalizedPrompt, token) {
			return true
		}
	}
	if base := basename(ws.Path); base != "" && strings.Contains(normalizedPrompt, strings.ToLower(base)) {
		return true
	}
	if ws.Branch != nil && *ws.Branch != "" && strings.Contains(normalizedPrompt, strings.ToLower(*ws.Branch)) {
		return true
	}
	return false
}

func basename(path string) string {
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func clarificationDecision(reason, clarification string, options []string) RouteDecision {
	return RouteDecision{
		Kind:          RouteClarification,
		Reason:        reason,
		Clarification: &clarification,
		Options:       options,
	}
}
