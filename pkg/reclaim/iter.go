package reclaim

import (
	"time"

	"github.com/weirdgloop/mediawiki-jobrunner/pkg/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/topology"
)

// ParamsIter lazily yields the reclaim parameters of each queue in a list of
// encoded queue names. Key sets and per-type cutoffs are derived one queue
// at a time, so a partition with many queues never has all parameter records
// in memory at once.
type ParamsIter struct {
	// Malformed counts queue names that failed to decode and were skipped.
	Malformed int

	conf  *topology.Config
	names []string
	now   time.Time
	i     int
}

// NewParamsIter creates an iterator over the given encoded queue names.
func NewParamsIter(conf *topology.Config, names []string, now time.Time) *ParamsIter {
	return &ParamsIter{conf: conf, names: names, now: now}
}

// Next returns the parameters of the next queue.
// Returns false when the iterator is exhausted.
func (it *ParamsIter) Next() (Params, bool) {
	for it.i < len(it.names) {
		name := it.names[it.i]
		it.i++
		q, err := queue.DecName(name)
		if err != nil {
			it.Malformed++
			continue
		}
		nowUnix := it.now.Unix()
		return Params{
			Queue:         q,
			Keys:          queue.NewKeys(q),
			ClaimCutoff:   it.now.Add(-it.conf.ClaimTTL(q.Type)).Unix(),
			PruneCutoff:   it.now.Add(-it.conf.PruneTTL).Unix(),
			AttemptsLimit: it.conf.Attempts(q.Type),
			Now:           nowUnix,
			Limit:         it.conf.ReclaimBatch,
		}, true
	}
	return Params{}, false
}
