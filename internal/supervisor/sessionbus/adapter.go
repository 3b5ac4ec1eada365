// Package sessionbus adapts workspace-side app-server sessions to the
// supervisor core's DispatchBackend/SessionRegistry/WorkspaceRegistry
// seams over NATS: request/reply RPC plus reconnect handling, specialized
// to per-workspace RPC/event/presence subjects.
package sessionbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/supervisor/internal/common/config"
	"github.com/kandev/supervisor/internal/common/logger"
	"github.com/kandev/supervisor/internal/supervisor"
)

const (
	subjectRPC      = "workspace.%s.appserver.rpc"
	subjectEvents   = "workspace.%s.appserver.events"
	subjectPresence = "workspace.%s.presence"

	defaultRequestTimeout = 30 * time.Second
)

// rpcRequest is the envelope sent on subjectRPC; method mirrors the
// session backend's start_thread/resume_thread/start_turn calls.
type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// presenceMessage is published by a workspace-side agent to announce
// liveness and identity.
type presenceMessage struct {
	Connected    bool     `json:"connected"`
	Name         string   `json:"name"`
	Path         string   `json:"path"`
	Branch       string   `json:"branch"`
	Available    *bool    `json:"available"`
	Capabilities []string `json:"capabilities"`
}

// Adapter wires a NATS connection to the supervisor's collaborator
// interfaces: one adapter per daemon process, one logical NATS subject
// namespace per workspace.
type Adapter struct {
	conn           *nats.Conn
	loop           *supervisor.Loop
	log            *logger.Logger
	requestTimeout time.Duration

	mu        sync.RWMutex
	metadata  map[string]supervisor.WorkspaceMetadata
	connected map[string]bool

	subs []*nats.Subscription
}

// Connect dials NATS with reconnect/disconnect/closed handlers wired for
// visibility and returns an Adapter ready to register workspaces and
// subscribe to their event streams.
func Connect(cfg config.NATSConfig, loop *supervisor.Loop, log *logger.Logger) (*Adapter, error) {
	a := &Adapter{
		loop:           loop,
		log:            log,
		requestTimeout: defaultRequestTimeout,
		metadata:       make(map[string]supervisor.WorkspaceMetadata),
		connected:      make(map[string]bool),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			} else {
				log.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			} else {
				log.Info("nats connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	a.conn = conn
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return a, nil
}

// Close drains the underlying NATS connection.
func (a *Adapter) Close() {
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}
	if a.conn != nil {
		if err := a.conn.Drain(); err != nil {
			a.log.Warn("error draining nats connection", zap.Error(err))
			a.conn.Close()
		}
	}
}

// RegisterWorkspace seeds known workspace identity (typically from
// configuration) prior to any presence traffic arriving.
func (a *Adapter) RegisterWorkspace(meta supervisor.WorkspaceMetadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata[meta.WorkspaceID] = meta
}

// Subscribe starts listening to a workspace's app-server event stream
// and presence announcements, feeding events into the supervisor loop.
func (a *Adapter) Subscribe(workspaceID string) error {
	eventsSub, err := a.conn.Subscribe(fmt.Sprintf(subjectEvents, workspaceID), a.handleEvent(workspaceID))
	if err != nil {
		return fmt.Errorf("subscribe to events for %s: %w", workspaceID, err)
	}
	a.subs = append(a.subs, eventsSub)

	presenceSub, err := a.conn.Subscribe(fmt.Sprintf(subjectPresence, workspaceID), a.handlePresence(workspaceID))
	if err != nil {
		return fmt.Errorf("subscribe to presence for %s: %w", workspaceID, err)
	}
	a.subs = append(a.subs, presenceSub)
	return nil
}

func (a *Adapter) handleEvent(workspaceID string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var raw map[string]any
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			a.log.Error("failed to unmarshal app-server event",
				zap.String("workspace_id", workspaceID), zap.Error(err))
			return
		}
		a.loop.ApplyAppServerEvent(workspaceID, raw, time.Now().UnixMilli())
	}
}

func (a *Adapter) handlePresence(workspaceID string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var p presenceMessage
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			a.log.Error("failed to unmarshal presence message",
				zap.String("workspace_id", workspaceID), zap.Error(err))
			return
		}

		a.mu.Lock()
		a.connected[workspaceID] = p.Connected

		meta := a.metadata[workspaceID]
		meta.WorkspaceID = workspaceID
		if p.Name != "" {
			meta.Name = p.Name
		}
		if p.Path != "" {
			meta.Path = p.Path
		}
		if p.Branch != "" {
			branch := p.Branch
			meta.Branch = &branch
		}
		if p.Capabilities != nil {
			meta.Capabilities = p.Capabilities
		}
		meta.Connected = p.Connected
		if p.Available != nil {
			meta.Available = *p.Available
		} else {
			meta.Available = p.Connected
		}
		a.metadata[workspaceID] = meta
		a.mu.Unlock()
	}
}

// List implements supervisor.WorkspaceRegistry.
func (a *Adapter) List(ctx context.Context) ([]supervisor.WorkspaceMetadata, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]supervisor.WorkspaceMetadata, 0, len(a.metadata))
	for _, meta := range a.metadata {
		meta.Health = a.loop.WorkspaceHealth(meta.WorkspaceID)
		out = append(out, meta)
	}
	return out, nil
}

// IsConnected implements supervisor.SessionRegistry.
func (a *Adapter) IsConnected(workspaceID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected[workspaceID]
}

// Backend implements supervisor.BackendResolver, returning a
// workspace-scoped DispatchBackend only if currently connected.
func (a *Adapter) Backend(workspaceID string) (supervisor.DispatchBackend, bool) {
	if !a.IsConnected(workspaceID) {
		return nil, false
	}
	return workspaceBackend{adapter: a, workspaceID: workspaceID}, true
}

// SendResponse implements supervisor.SessionRegistry, relaying an
// operator reply payload to the workspace's app-server over the RPC
// subject using the send_response method.
func (a *Adapter) SendResponse(ctx context.Context, workspaceID, requestID string, payload json.RawMessage) error {
	var params map[string]any
	if err := json.Unmarshal(payload, &params); err != nil {
		return fmt.Errorf("decode reply payload: %w", err)
	}
	params["requestId"] = requestID

	_, err := a.request(ctx, workspaceID, "send_response", params)
	return err
}

func (a *Adapter) request(ctx context.Context, workspaceID, method string, params map[string]any) (map[string]any, error) {
	data, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.requestTimeout)
		defer cancel()
	}

	msg, err := a.conn.RequestWithContext(ctx, fmt.Sprintf(subjectRPC, workspaceID), data)
	if err != nil {
		return nil, fmt.Errorf("rpc %s to %s: %w", method, workspaceID, err)
	}

	var resp map[string]any
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	return resp, nil
}

// workspaceBackend implements supervisor.DispatchBackend for a single
// workspace against the shared Adapter's NATS connection.
type workspaceBackend struct {
	adapter     *Adapter
	workspaceID string
}

func (b workspaceBackend) StartThread(ctx context.Context, workspaceID string) (map[string]any, error) {
	meta := b.adapter.lookup(workspaceID)
	approvalPolicy, _ := supervisor.AccessPolicy(nil, meta.Path)
	return b.adapter.request(ctx, workspaceID, "thread/start", map[string]any{
		"cwd":            meta.Path,
		"approvalPolicy": approvalPolicy,
	})
}

func (b workspaceBackend) ResumeThread(ctx context.Context, workspaceID, threadID string) (map[string]any, error) {
	return b.adapter.request(ctx, workspaceID, "thread/resume", map[string]any{
		"threadId": threadID,
	})
}

func (b workspaceBackend) StartTurn(ctx context.Context, workspaceID, threadID, prompt string, model, effort, accessMode *string) (map[string]any, error) {
	meta := b.adapter.lookup(workspaceID)
	approvalPolicy, sandboxPolicy := supervisor.AccessPolicy(accessMode, meta.Path)

	params := map[string]any{
		"threadId":       threadID,
		"prompt":         prompt,
		"approvalPolicy": approvalPolicy,
		"sandboxPolicy":  sandboxPolicy,
	}
	if model != nil {
		params["model"] = *model
	}
	if effort != nil {
		params["effort"] = *effort
	}
	return b.adapter.request(ctx, workspaceID, "turn/start", params)
}

func (a *Adapter) lookup(workspaceID string) supervisor.WorkspaceMetadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metadata[workspaceID]
}
