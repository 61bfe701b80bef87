// Package queue defines job queue identities and their Redis key layout.
//
// A queue is identified by a (type, tenant) pair. The encoded queue name is
// what travels through the aggregator ready map and the cluster-wide
// queues-with-jobs set; encoding is bijective so either side can be recovered.
package queue

import (
	"fmt"
	"net/url"
	"strings"
)

// Queue identifies the stream of jobs of one type for one tenant.
type Queue struct {
	Type   string
	Tenant string
}

// EncName encodes a queue identity into its canonical wire name.
func EncName(q Queue) string {
	return url.QueryEscape(q.Type) + "/" + url.QueryEscape(q.Tenant)
}

// DecName decodes a canonical queue name back into its identity.
func DecName(name string) (Queue, error) {
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return Queue{}, fmt.Errorf("malformed queue name: %q", name)
	}
	typ, err := url.QueryUnescape(name[:i])
	if err != nil {
		return Queue{}, fmt.Errorf("malformed queue type in %q: %w", name, err)
	}
	tenant, err := url.QueryUnescape(name[i+1:])
	if err != nil {
		return Queue{}, fmt.Errorf("malformed queue tenant in %q: %w", name, err)
	}
	return Queue{Type: typ, Tenant: tenant}, nil
}

// Keys holds the per-queue Redis keys on a partition server.
type Keys struct {
	Unclaimed string // List: job IDs ready to be claimed
	Claimed   string // Sorted Set: job ID by claim unix time
	Attempts  string // Hash Map: job ID => executions so far
	Data      string // Hash Map: job ID => serialized job
	Abandoned string // Sorted Set: job ID by claim unix time at death
	Delayed   string // Sorted Set: job ID by ready-at unix time
}

// NewKeys returns the partition key set for a queue.
func NewKeys(q Queue) Keys {
	return Keys{
		Unclaimed: queueKey(q, "l-unclaimed"),
		Claimed:   queueKey(q, "z-claimed"),
		Attempts:  queueKey(q, "h-attempts"),
		Data:      queueKey(q, "h-data"),
		Abandoned: queueKey(q, "z-abandoned"),
		Delayed:   queueKey(q, "z-delayed"),
	}
}

func queueKey(q Queue, field string) string {
	return q.Tenant + ":jobqueue:" + q.Type + ":" + field
}

// QueuesWithJobsKey is the per-partition set of encoded queue names that
// currently hold any live job on that partition.
const QueuesWithJobsKey = "global:jobqueue:s-queuesWithJobs"

// ReadyMapKey is the aggregator hash of encoded queue name => last-ready
// unix time.
const ReadyMapKey = "jobqueue:aggr:h-ready-queues"

// ReadyMapTempKey is the staging key the chron daemon writes before renaming
// over ReadyMapKey.
const ReadyMapTempKey = ReadyMapKey + ":temp"

// LockSlotKey returns the aggregator key of one pool lock slot.
func LockSlotKey(name string, slot int) string {
	return fmt.Sprintf("%s:lock:%d", name, slot)
}
