// Package chron periodically reclaims every job queue on every partition.
//
// Each cycle is guarded by the aggregator pool lock, so at most one chron
// instance per partition server works concurrently. A cycle recycles expired
// claims, abandons jobs over the attempt limit, prunes long-dead jobs,
// promotes ready delayed jobs, and republishes the aggregator ready map.
package chron

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/weirdgloop/mediawiki-jobrunner/pkg/poollock"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/ready"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/reclaim"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/redisha"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/topology"
	"go.uber.org/zap"
)

const (
	// period between reclamation cycles.
	period = time.Second
	// scriptSleep caps partition server CPU between script invocations.
	scriptSleep = 5 * time.Millisecond
	// refreshEvery is the queue count between pool lock refreshes.
	refreshEvery = 100
	// lockTTL is the pool lock staleness window.
	lockTTL = 300 * time.Second
	// lockName prefixes the pool lock slot keys.
	lockName = "jobchron"
)

// Daemon is the chron main loop.
type Daemon struct {
	Log    *zap.Logger
	Conf   *topology.Config
	Aggr   *redisha.Client // aggregator endpoints
	Parts  *redisha.Client // partition endpoints
	Script *reclaim.Script
	Rng    *rand.Rand

	lock *poollock.Lock
}

// Init builds the pool lock with one slot per partition server.
func (d *Daemon) Init() {
	d.lock = &poollock.Lock{
		HA:    d.Aggr,
		Name:  lockName,
		Slots: d.Parts.Len(),
		TTL:   lockTTL,
	}
}

// Run drives reclamation cycles until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			d.Log.Info("Chron daemon shutting down")
			return err
		}
		d.cycle(ctx)
		d.sleep(ctx, period)
	}
}

// cycle runs one full reclamation pass across every partition.
func (d *Daemon) cycle(ctx context.Context) {
	if _, err := d.lock.Acquire(ctx); err != nil {
		if errors.Is(err, poollock.ErrLockUnavailable) {
			metricRaced.Inc()
			d.Log.Debug("Raced another chron instance for the pool lock")
		} else {
			metricFailed.Inc()
			d.Log.Error("Failed to acquire pool lock", zap.Error(err))
		}
		return
	}
	defer func() {
		if err := d.lock.Release(ctx); err != nil {
			d.Log.Warn("Failed to release pool lock", zap.Error(err))
		}
	}()
	metricCycles.Inc()

	// Shuffling partitions and queues spreads load across the up-to-N
	// concurrent chron instances the pool lock admits.
	parts := d.Parts.Names()
	d.Rng.Shuffle(len(parts), func(i, j int) {
		parts[i], parts[j] = parts[j], parts[i]
	})
	failed := false
	var totals reclaim.Result
	entries := make(map[string]int64)
	queuesDone := 0
	for _, part := range parts {
		if ctx.Err() != nil {
			return
		}
		if !d.partition(ctx, part, entries, &totals, &queuesDone) {
			failed = true
		}
	}
	if _, err := ready.Publish(ctx, d.Aggr, entries); err != nil {
		failed = true
		d.Log.Error("Failed to publish ready map", zap.Error(err))
	}
	if failed {
		metricFailed.Inc()
	}
	metricReadyQueues.Set(float64(len(entries)))
	d.Log.Debug("Reclamation cycle done",
		zap.Int("queues", queuesDone),
		zap.Int("ready", len(entries)),
		zap.Int64("released", totals.Released),
		zap.Int64("abandoned", totals.Abandoned),
		zap.Int64("pruned", totals.Pruned),
		zap.Int64("undelayed", totals.Undelayed),
		zap.Bool("failed", failed))
}

// partition reclaims every queue with live jobs on one partition server.
// Returns false when the partition had to be skipped or a script failed.
func (d *Daemon) partition(
	ctx context.Context, part string,
	entries map[string]int64, totals *reclaim.Result, queuesDone *int,
) bool {
	cmd, err := d.Parts.Do(ctx, part, "SMEMBERS", queue.QueuesWithJobsKey)
	if err != nil {
		d.Log.Warn("Skipping partition",
			zap.String("partition", part), zap.Error(err))
		return false
	}
	raw, ok := cmd.Val().([]interface{})
	if !ok {
		d.Log.Warn("Skipping partition: invalid queue set",
			zap.String("partition", part))
		return false
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		name, ok := v.(string)
		if !ok {
			d.Log.Warn("Skipping partition: invalid queue set",
				zap.String("partition", part))
			return false
		}
		names = append(names, name)
	}
	d.Rng.Shuffle(len(names), func(i, j int) {
		names[i], names[j] = names[j], names[i]
	})
	ep, ok := d.Parts.Endpoint(part)
	if !ok {
		return false
	}
	// One script upload per partition round; later runs hit the SHA cache.
	if err := d.Script.Load(ctx, ep.DB); err != nil {
		d.Log.Warn("Skipping partition: script load failed",
			zap.String("partition", part), zap.Error(err))
		return false
	}
	clean := true
	it := reclaim.NewParamsIter(d.Conf, names, time.Now())
	for {
		if ctx.Err() != nil {
			return clean
		}
		p, ok := it.Next()
		if !ok {
			break
		}
		res, err := d.Script.Run(ctx, ep.DB, p)
		if err != nil {
			metricScriptErrors.Inc()
			clean = false
			d.Log.Warn("Reclaim script failed",
				zap.String("partition", part),
				zap.String("type", p.Queue.Type),
				zap.String("tenant", p.Queue.Tenant),
				zap.Error(err))
			continue
		}
		totals.Released += res.Released
		totals.Abandoned += res.Abandoned
		totals.Pruned += res.Pruned
		totals.Undelayed += res.Undelayed
		metricReleased.Add(float64(res.Released))
		metricAbandoned.Add(float64(res.Abandoned))
		metricPruned.Add(float64(res.Pruned))
		metricUndelayed.Add(float64(res.Undelayed))
		if res.Ready > 0 {
			entries[queue.EncName(p.Queue)] = time.Now().Unix()
		}
		(*queuesDone)++
		if *queuesDone%refreshEvery == 0 {
			if err := d.lock.Refresh(ctx); err != nil {
				d.Log.Warn("Failed to refresh pool lock", zap.Error(err))
			}
		}
		d.sleep(ctx, scriptSleep)
	}
	if it.Malformed > 0 {
		d.Log.Warn("Skipped malformed queue names",
			zap.String("partition", part),
			zap.Int("count", it.Malformed))
	}
	return clean
}

func (d *Daemon) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
