// Package ready reads and writes the aggregator's queue readiness map.
//
// The ready map is a hash of encoded queue name => last-ready unix time.
// The chron daemon republishes it wholesale each cycle by staging into a
// temp key and renaming over the live key, so readers always observe a
// complete cycle.
package ready

import (
	"context"
	"fmt"
	"strconv"

	"github.com/weirdgloop/mediawiki-jobrunner/pkg/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/redisha"
)

// Map is the decoded ready map: job type => tenant => last-ready unix time.
type Map map[string]map[string]int64

// Has reports whether a (type, tenant) entry is present.
func (m Map) Has(typ, tenant string) bool {
	_, ok := m[typ][tenant]
	return ok
}

// Delete removes a (type, tenant) entry, dropping the type when its last
// tenant goes.
func (m Map) Delete(typ, tenant string) {
	tenants, ok := m[typ]
	if !ok {
		return
	}
	delete(tenants, tenant)
	if len(tenants) == 0 {
		delete(m, typ)
	}
}

// Size returns the number of (type, tenant) entries.
func (m Map) Size() int {
	n := 0
	for _, tenants := range m {
		n += len(tenants)
	}
	return n
}

// Read fetches and decodes the ready map from the aggregators.
// Queue names that fail to decode are dropped.
func Read(ctx context.Context, ha *redisha.Client) (Map, error) {
	cmd, err := ha.DoHA(ctx, "HGETALL", queue.ReadyMapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read ready map: %w", err)
	}
	flat, ok := cmd.Val().([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid ready map reply: %#v", cmd.Val())
	}
	m := make(Map)
	for i := 0; i+1 < len(flat); i += 2 {
		name, ok1 := flat[i].(string)
		ts, ok2 := flat[i+1].(string)
		if !ok1 || !ok2 {
			continue
		}
		q, err := queue.DecName(name)
		if err != nil {
			continue
		}
		tenants := m[q.Type]
		if tenants == nil {
			tenants = make(map[string]int64)
			m[q.Type] = tenants
		}
		when, _ := strconv.ParseInt(ts, 10, 64)
		tenants[q.Tenant] = when
	}
	return m, nil
}

// Publish replaces the aggregator ready map with the given entries (encoded
// queue name => last-ready unix time) on every aggregator endpoint. Entries
// stage into the temp key, then a RENAME swaps them live atomically. An
// empty cycle deletes the live map instead.
// Returns the number of aggregators written.
func Publish(ctx context.Context, ha *redisha.Client, entries map[string]int64) (int, error) {
	if len(entries) == 0 {
		return ha.Broadcast(ctx,
			redisha.Command{"DEL", queue.ReadyMapTempKey},
			redisha.Command{"DEL", queue.ReadyMapKey},
		)
	}
	hset := redisha.Command{"HSET", queue.ReadyMapTempKey}
	for name, ts := range entries {
		hset = append(hset, name, ts)
	}
	return ha.Broadcast(ctx,
		redisha.Command{"DEL", queue.ReadyMapTempKey},
		hset,
		redisha.Command{"RENAME", queue.ReadyMapTempKey, queue.ReadyMapKey},
	)
}
