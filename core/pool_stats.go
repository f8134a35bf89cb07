package core

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/searchktools/tinyhttpd/core/buffer"
	"github.com/searchktools/tinyhttpd/core/pools"
)

// Stats is a point-in-time snapshot of the engine
type Stats struct {
	LiveConns    int64                 `json:"live_conns"`
	Accepted     uint64                `json:"accepted"`
	Rejected     uint64                `json:"rejected"`
	TaskOverlaps uint64                `json:"task_overlaps"`
	Timers       int64                 `json:"timers"`
	Workers      pools.WorkerPoolStats `json:"workers"`
	Overflow     pools.BytePoolStats   `json:"overflow_buffers"`
	GC           pools.GCStats         `json:"gc"`
}

// Stats returns engine statistics. Safe to call from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		LiveConns:    e.liveConns.Load(),
		Accepted:     e.accepted.Load(),
		Rejected:     e.rejected.Load(),
		TaskOverlaps: e.overlaps.Load(),
		Timers:       e.timers.Load(),
		Workers:      e.workers.Stats(),
		Overflow:     buffer.OverflowStats(),
		GC:           pools.GetGCStats(),
	}
}

// StatsJSON returns engine statistics as indented JSON
func (e *Engine) StatsJSON() string {
	data, _ := json.MarshalIndent(e.Stats(), "", "  ")
	return string(data)
}

// StatsText returns engine statistics as human-readable text
func (e *Engine) StatsText() string {
	s := e.Stats()
	return fmt.Sprintf(`Engine Statistics
=================

Connections:
  Live:      %d
  Accepted:  %d
  Rejected:  %d
  Overlaps:  %d
  Timers:    %d

Workers:
  Count:     %d
  Busy:      %d
  Pending:   %d
  Completed: %d
`,
		s.LiveConns, s.Accepted, s.Rejected, s.TaskOverlaps, s.Timers,
		s.Workers.NumWorkers, s.Workers.BusyWorkers, s.Workers.TasksPending, s.Workers.TasksCompleted,
	)
}
