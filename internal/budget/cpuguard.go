// Package budget keeps background consumers from overloading the host.
package budget

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/vthunder/patterngraph/internal/logging"
)

// CPUGuard reports when host CPU is high enough that a consumer should skip
// a poll. It averages the last few readings so one spike does not stall work.
type CPUGuard struct {
	mu sync.Mutex

	threshold float64 // average CPU % above which the host is busy
	window    int     // readings kept (default 5)
	history   []float64
	busy      bool

	sample func(ctx context.Context) (float64, error)
}

// NewCPUGuard creates a guard. A threshold <= 0 disables it.
func NewCPUGuard(threshold float64) *CPUGuard {
	return &CPUGuard{
		threshold: threshold,
		window:    5,
		history:   make([]float64, 0, 5),
		sample:    hostCPU,
	}
}

func hostCPU(ctx context.Context) (float64, error) {
	// interval 0 compares against the previous call
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}

// Busy takes a reading and reports whether the recent average exceeds the
// threshold. Sampling errors never block work.
func (g *CPUGuard) Busy(ctx context.Context) bool {
	if g == nil || g.threshold <= 0 {
		return false
	}
	pct, err := g.sample(ctx)
	if err != nil {
		logging.Debug("budget", "cpu sample failed: %v", err)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.history = append(g.history, pct)
	if len(g.history) > g.window {
		g.history = g.history[1:]
	}
	avg := avgCPU(g.history)
	busy := avg > g.threshold
	if busy != g.busy {
		if busy {
			logging.Info("budget", "host busy (avg CPU %.1f%% > %.0f%%), pausing polls", avg, g.threshold)
		} else {
			logging.Info("budget", "host load back to %.1f%%, resuming polls", avg)
		}
		g.busy = busy
	}
	return busy
}

func avgCPU(history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	return sum / float64(len(history))
}
