package runner

import (
	"context"
	"runtime"
	"time"

	"github.com/weirdgloop/mediawiki-jobrunner/pkg/ready"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/selector"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/topology"
	"go.uber.org/zap"
)

// idleSleep is how long the main loop pauses when there is nothing to
// dispatch or every loop is saturated.
const idleSleep = 100 * time.Millisecond

// Daemon is the runner main loop. It owns the per-loop priority states and
// drives the slot pool off the cached ready map.
type Daemon struct {
	Log   *zap.Logger
	Conf  *topology.Config
	Cache *ready.Cache
	Pool  *Pool

	prios     map[string]*prioState
	lastStats Stats
	lastHeap  uint64
}

// prioState is one loop's two-level time sharing state.
// Mutated only by the daemon main loop.
type prioState struct {
	prio  selector.Priority
	since time.Time
}

// updateTimed applies the periodic flip rule: the time a loop stays high is
// bounded by lpMaxDelay, the time it stays low by hpMaxDelay. Reports
// whether a flip happened so a loop flips at most once per iteration.
func (s *prioState) updateTimed(now time.Time, hpMaxDelay, lpMaxDelay time.Duration) bool {
	switch {
	case s.prio == selector.High && now.Sub(s.since) > lpMaxDelay:
		s.prio = selector.Low
		s.since = now
		return true
	case s.prio == selector.Low && now.Sub(s.since) > hpMaxDelay:
		s.prio = selector.High
		s.since = now
		return true
	}
	return false
}

// flip switches the priority class unconditionally. Used when the current
// class has no ready queues so the other class gets a turn.
func (s *prioState) flip(now time.Time) {
	if s.prio == selector.High {
		s.prio = selector.Low
	} else {
		s.prio = selector.High
	}
	s.since = now
}

// Init registers every configured slot with the pool and starts all loops
// at high priority.
func (d *Daemon) Init() {
	d.prios = make(map[string]*prioState, len(d.Conf.Loops))
	now := time.Now()
	for _, loop := range d.Conf.Loops {
		d.prios[loop.Name] = &prioState{prio: selector.High, since: now}
		for i := 0; i < loop.Runners; i++ {
			d.Pool.InitSlot(loop, i)
		}
	}
}

// Run drives the main loop until the context is canceled, then terminates
// the slot pool. Returns the context error on shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Pool.Terminate()
	for {
		if err := ctx.Err(); err != nil {
			d.Log.Info("Runner daemon shutting down")
			return err
		}
		d.step(ctx)
	}
}

// step is one scheduling iteration.
func (d *Daemon) step(ctx context.Context) {
	rm := d.Cache.Get(ctx)
	if rm.Size() == 0 {
		d.sleep(ctx, idleSleep)
		return
	}
	dispatched := false
	for _, loop := range d.Conf.Loops {
		st := d.prios[loop.Name]
		now := time.Now()
		flipped := st.updateTimed(now, d.Conf.HpMaxDelay, d.Conf.LpMaxDelay)
		free, filled := d.Pool.Refill(loop.Name, st.prio, rm)
		if filled > 0 {
			dispatched = true
		}
		if !flipped && free > 0 && filled == 0 {
			st.flip(time.Now())
			d.Log.Debug("Loop priority flipped on empty class",
				zap.String("loop", loop.Name),
				zap.Stringer("priority", st.prio))
		}
	}
	if !dispatched {
		d.sleep(ctx, idleSleep)
	}
	d.emitStats()
}

func (d *Daemon) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// emitStats logs the per-iteration stats delta and records the heap delta.
func (d *Daemon) emitStats() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metricHeapBytes.Set(float64(mem.HeapAlloc))
	heapDelta := int64(mem.HeapAlloc) - int64(d.lastHeap)
	d.lastHeap = mem.HeapAlloc

	cur := d.Pool.Stats
	if cur == d.lastStats && heapDelta == 0 {
		return
	}
	d.Log.Debug("Runner stats",
		zap.Uint64("dispatched", cur.Dispatched-d.lastStats.Dispatched),
		zap.Uint64("jobs_ok", cur.JobsOK-d.lastStats.JobsOK),
		zap.Uint64("jobs_failed", cur.JobsFailed-d.lastStats.JobsFailed),
		zap.Uint64("errors", cur.Errors-d.lastStats.Errors),
		zap.Int64("heap_delta", heapDelta))
	d.lastStats = cur
}
