package provider

import (
	"sync"
	"time"

	"github.com/clawinfra/toolmesh/internal/protocol"
)

// Status is a provider's lifecycle state. Transitions only ever follow:
// stopped -> starting -> running, running -> stopped, running -> error,
// error -> restarting -> starting.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusError      Status = "error"
	StatusRestarting Status = "restarting"
)

// runtime is the mutable per-provider state owned exclusively by the
// supervisor. All fields are guarded by mu; operations on different
// providers never contend.
type runtime struct {
	cfg Config

	mu     sync.Mutex
	status Status
	proc   Process
	conn   *protocol.Conn
	tools  []protocol.ToolInfo

	// restartCount is the spend within the current crash episode; it resets
	// to zero once a restarted process completes its handshake.
	restartCount    int
	lastErr         error
	lastHealthCheck time.Time
	healthy         bool

	// Handshake guards: the initialize + tools/list sequence runs exactly
	// once per process lifetime even if triggered twice.
	initialized  bool
	initializing bool

	// stopIntent marks a deliberate Stop so the exit handler does not treat
	// the resulting exit as a crash and respawn the process.
	stopIntent bool

	// gen increments on every spawn; timers and exit watchers capture it and
	// bail when they find themselves acting on a stale process.
	gen int

	healthStop   chan struct{}
	startupTimer *time.Timer
	restartTimer *time.Timer
}

// Info is a copyable snapshot of a provider's runtime state.
type Info struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Status          Status              `json:"status"`
	RestartCount    int                 `json:"restart_count"`
	LastError       string              `json:"last_error,omitempty"`
	LastHealthCheck time.Time           `json:"last_health_check,omitempty"`
	Healthy         bool                `json:"healthy"`
	Tools           []protocol.ToolInfo `json:"tools,omitempty"`
}

// snapshot copies the runtime state under its lock.
func (rt *runtime) snapshot() Info {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	info := Info{
		ID:              rt.cfg.ID,
		Name:            rt.cfg.Name,
		Status:          rt.status,
		RestartCount:    rt.restartCount,
		LastHealthCheck: rt.lastHealthCheck,
		Healthy:         rt.healthy,
		Tools:           append([]protocol.ToolInfo(nil), rt.tools...),
	}
	if rt.lastErr != nil {
		info.LastError = rt.lastErr.Error()
	}
	return info
}

// clearTimersLocked stops the startup timer, any pending restart, and the
// health loop. Callers hold rt.mu.
func (rt *runtime) clearTimersLocked() {
	if rt.startupTimer != nil {
		rt.startupTimer.Stop()
		rt.startupTimer = nil
	}
	if rt.restartTimer != nil {
		rt.restartTimer.Stop()
		rt.restartTimer = nil
	}
	if rt.healthStop != nil {
		close(rt.healthStop)
		rt.healthStop = nil
	}
}
