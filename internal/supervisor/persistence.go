package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const snapshotFileName = "supervisor-state.json"

// persistedState is the on-disk shape of a SupervisorState snapshot. It
// carries Threads as a slice (map keys with struct types don't round-trip
// through encoding/json) alongside the rest of State's fields.
type persistedState struct {
	Workspaces       map[string]Workspace       `json:"workspaces"`
	Threads          []Thread                   `json:"threads"`
	Jobs             map[string]Job             `json:"jobs"`
	Signals          []Signal                   `json:"signals"`
	ActivityFeed     []ActivityEntry            `json:"activity_feed"`
	OpenQuestions    map[string]OpenQuestion    `json:"open_questions"`
	PendingApprovals map[string]PendingApproval `json:"pending_approvals"`
	ChatHistory      []ChatMessage              `json:"chat_history"`
}

// SnapshotPath returns "<dataDir>/supervisor-state.json", the on-disk
// location of the daemon's persisted snapshot.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, snapshotFileName)
}

// SaveSnapshot writes a pretty-printed JSON snapshot of state to path,
// creating parent directories as needed.
func SaveSnapshot(path string, state *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	p := toPersisted(state)
	encoded, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

// LoadSnapshot reads a snapshot from path, returning a default (empty)
// state if the file does not exist.
func LoadSnapshot(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, err
	}

	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return fromPersisted(p), nil
}

func toPersisted(state *State) persistedState {
	threads := make([]Thread, 0, len(state.Threads))
	for _, t := range state.Threads {
		threads = append(threads, t)
	}
	return persistedState{
		Workspaces:       state.Workspaces,
		Threads:          threads,
		Jobs:             state.Jobs,
		Signals:          state.Signals,
		ActivityFeed:     state.ActivityFeed,
		OpenQuestions:    state.OpenQuestions,
		PendingApprovals: state.PendingApprovals,
		ChatHistory:      state.ChatHistory,
	}
}

func fromPersisted(p persistedState) *State {
	state := NewState()
	if p.Workspaces != nil {
		state.Workspaces = p.Workspaces
	}
	for _, t := range p.Threads {
		state.Threads[ThreadKey{WorkspaceID: t.WorkspaceID, ThreadID: t.ThreadID}] = t
	}
	if p.Jobs != nil {
		state.Jobs = p.Jobs
	}
	state.Signals = p.Signals
	state.ActivityFeed = p.ActivityFeed
	if p.OpenQuestions != nil {
		state.OpenQuestions = p.OpenQuestions
	}
	if p.PendingApprovals != nil {
		state.PendingApprovals = p.PendingApprovals
	}
	state.ChatHistory = p.ChatHistory
	return state
}
