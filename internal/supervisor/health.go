package supervisor

import (
	"context"
	"time"

	"github.com/kandev/supervisor/internal/common/logger"
)

// HealthTickInterval is the default cadence of the periodic health pull.
const HealthTickInterval = 10 * time.Second

// HealthPuller periodically collects workspace connection liveness and
// feeds it to the loop's health check.
type HealthPuller struct {
	loop       *Loop
	workspaces WorkspaceRegistry
	sessions   SessionRegistry
	clock      Clock
	interval   time.Duration
	log        *logger.Logger
}

// NewHealthPuller constructs a health puller with the given cadence.
func NewHealthPuller(loop *Loop, workspaces WorkspaceRegistry, sessions SessionRegistry, clock Clock, interval time.Duration, log *logger.Logger) *HealthPuller {
	if interval <= 0 {
		interval = HealthTickInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &HealthPuller{loop: loop, workspaces: workspaces, sessions: sessions, clock: clock, interval: interval, log: log}
}

// Run blocks, ticking at the configured interval until ctx is cancelled.
func (h *HealthPuller) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HealthPuller) tick(ctx context.Context) {
	workspaces, err := h.workspaces.List(ctx)
	if err != nil {
		h.log.WithError(err).Warn("health pull: failed to list workspaces")
		return
	}

	snapshots := make([]WorkspaceHealthInput, 0, len(workspaces))
	for _, ws := range workspaces {
		name := ws.Name
		snapshots = append(snapshots, WorkspaceHealthInput{
			ID:        ws.WorkspaceID,
			Name:      &name,
			Connected: h.sessions.IsConnected(ws.WorkspaceID),
		})
	}

	h.loop.RunHealthCheck(snapshots, h.clock())
}
