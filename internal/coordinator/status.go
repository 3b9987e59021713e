package coordinator

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/toolmesh/internal/events"
	"github.com/clawinfra/toolmesh/internal/provider"
)

// StatusReport is the aggregate platform snapshot published periodically and
// returned by Status().
type StatusReport struct {
	State         State           `json:"state"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	ToolCount     int             `json:"tool_count"`
	InternalTools int             `json:"internal_tools"`
	Providers     []provider.Info `json:"providers"`
}

// Status returns the current aggregate snapshot.
func (c *Coordinator) Status() StatusReport {
	c.mu.Lock()
	state := c.state
	startedAt := c.startedAt
	c.mu.Unlock()

	var uptime int64
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	return StatusReport{
		State:         state,
		UptimeSeconds: uptime,
		ToolCount:     len(c.catalog.Snapshot()),
		InternalTools: c.registry.Count(),
		Providers:     c.supervisor.List(),
	}
}

// startStatusJob schedules the periodic status report on the bus. Disabled
// or misconfigured intervals skip the job.
func (c *Coordinator) startStatusJob() {
	if !c.cfg.Status.Enabled {
		return
	}
	interval := c.cfg.Status.Interval
	if interval == "" {
		interval = "60s"
	}

	runner := cron.New()
	_, err := runner.AddFunc("@every "+interval, func() {
		report := c.Status()

		running := 0
		for _, info := range report.Providers {
			if info.Status == provider.StatusRunning {
				running++
			}
		}
		c.bus.Publish(events.Event{
			Type: events.TypeStatusReport,
			Payload: map[string]any{
				"state":          string(report.State),
				"uptime_seconds": report.UptimeSeconds,
				"tool_count":     report.ToolCount,
				"providers":      len(report.Providers),
				"running":        running,
			},
		})
	})
	if err != nil {
		c.logger.Error("status job schedule invalid, skipping", "interval", interval, "error", err)
		return
	}
	runner.Start()

	c.mu.Lock()
	c.statusStop = func() {
		ctx := runner.Stop()
		<-ctx.Done()
	}
	c.mu.Unlock()

	c.logger.Info("status job started", "interval", interval)
}
