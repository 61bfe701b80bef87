// Package runner drives batches of jobs through a remote execution endpoint
// using a per-loop pool of concurrent outbound HTTP requests.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/weirdgloop/mediawiki-jobrunner/pkg/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/ready"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/selector"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/sign"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/topology"
	"go.uber.org/zap"
)

// connectTimeout bounds the TCP dial of one dispatch.
const connectTimeout = 5 * time.Second

// logBodyLimit truncates malformed response bodies in logs.
const logBodyLimit = 4096

// JobStatus is one per-job result in a run response body.
type JobStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Stats accumulates runner results. Counters only grow; the daemon logs
// deltas between iterations.
type Stats struct {
	Dispatched uint64
	JobsOK     uint64
	JobsFailed uint64
	Errors     uint64
}

// Pool runs up to one in-flight HTTP request per registered slot of each
// loop. Dispatch and reaping happen on the caller's goroutine; only the
// request itself runs concurrently.
type Pool struct {
	Log    *zap.Logger
	Conf   *topology.Config
	Signer *sign.Signer
	Rng    *rand.Rand

	Stats Stats

	http   *http.Client
	ctx    context.Context
	cancel context.CancelFunc
	loops  map[string]*loopSlots
}

type loopSlots struct {
	loop        *topology.Loop
	slots       []*slot
	completions chan completion
}

// slot is either idle or holding exactly one in-flight request.
type slot struct {
	busy  bool
	queue queue.Queue
	start time.Time
}

type completion struct {
	slotIndex int
	queue     queue.Queue
	start     time.Time
	elapsed   time.Duration

	statuses []JobStatus
	err      error  // transport error or non-200 status
	rawBody  []byte // set when the body failed to parse
}

// NewPool creates an empty pool. Register slots with InitSlot.
func NewPool(log *zap.Logger, conf *topology.Config, signer *sign.Signer) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &Pool{
		Log:    log,
		Conf:   conf,
		Signer: signer,
		Rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 64,
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// InitSlot registers one slot of a loop. The loop's concurrency ceiling is
// its runner count; registering more slots than that panics.
func (p *Pool) InitSlot(loop *topology.Loop, index int) {
	if p.loops == nil {
		p.loops = make(map[string]*loopSlots)
	}
	ls := p.loops[loop.Name]
	if ls == nil {
		ls = &loopSlots{
			loop:        loop,
			completions: make(chan completion, loop.Runners),
		}
		p.loops[loop.Name] = ls
	}
	if index != len(ls.slots) || len(ls.slots) >= loop.Runners {
		panic(fmt.Sprintf("bad slot registration: loop %s index %d", loop.Name, index))
	}
	ls.slots = append(ls.slots, &slot{})
}

// Refill reaps completed requests on a loop without blocking, then
// dispatches at most one new request if a slot is free and the selector
// yields a candidate for a configured tenant.
// Returns the remaining free slots and the number of newly filled ones.
func (p *Pool) Refill(loopName string, prio selector.Priority, rm ready.Map) (free, filled int) {
	ls := p.loops[loopName]
	if ls == nil {
		return 0, 0
	}
reaping:
	for {
		select {
		case c := <-ls.completions:
			p.reap(ls, c, rm)
		default:
			break reaping
		}
	}
	for _, s := range ls.slots {
		if !s.busy {
			free++
		}
	}
	if free == 0 {
		return 0, 0
	}
	q, ok := selector.Pick(p.Rng, ls.loop, prio, rm)
	if !ok || !p.Conf.KnownTenant(q.Tenant) {
		return free, 0
	}
	p.dispatch(ls, q, prio)
	return free - 1, 1
}

// reap accounts one completed request and frees its slot. A fast, clean
// response empties the queue's entry in the local ready view so peers of
// this iteration skip it.
func (p *Pool) reap(ls *loopSlots, c completion, rm ready.Map) {
	ls.slots[c.slotIndex].busy = false
	switch {
	case c.err != nil:
		p.Stats.Errors++
		metricErrors.Inc()
		p.Log.Warn("Job run request failed",
			zap.String("loop", ls.loop.Name),
			zap.String("type", c.queue.Type),
			zap.String("tenant", c.queue.Tenant),
			zap.Error(c.err))
	case c.rawBody != nil:
		p.Stats.Errors++
		metricErrors.Inc()
		body := c.rawBody
		if len(body) > logBodyLimit {
			body = body[:logBodyLimit]
		}
		p.Log.Warn("Malformed job run response",
			zap.String("loop", ls.loop.Name),
			zap.String("type", c.queue.Type),
			zap.String("tenant", c.queue.Tenant),
			zap.ByteString("body", body))
	default:
		for _, status := range c.statuses {
			if status.Status == "ok" {
				p.Stats.JobsOK++
				metricJobsOK.Inc()
			} else {
				p.Stats.JobsFailed++
				metricJobsFailed.Inc()
			}
		}
		if c.elapsed < p.Conf.HpMaxTime/2 {
			rm.Delete(c.queue.Type, c.queue.Tenant)
		}
	}
}

// dispatch signs and issues one job run request, consuming a free slot.
func (p *Pool) dispatch(ls *loopSlots, q queue.Queue, prio selector.Priority) {
	// High priority loops grant the longer low-priority run time,
	// and vice versa.
	var maxtime time.Duration
	if prio == selector.High {
		maxtime = p.Conf.LpMaxTime
	} else {
		maxtime = p.Conf.HpMaxTime
	}
	index := -1
	for i, s := range ls.slots {
		if !s.busy {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}
	start := time.Now()
	s := ls.slots[index]
	s.busy = true
	s.queue = q
	s.start = start
	body := fmt.Sprintf(
		"async=false&maxtime=%d&sigexpiry=2147483647&tasks=placeholder&title=Special:RunJobs&type=%s",
		int64(maxtime/time.Second), q.Type)
	body += "&signature=" + p.Signer.Sign([]byte(body))
	host, _ := p.Conf.WikiHost(q.Tenant)
	p.Stats.Dispatched++
	metricDispatched.Inc()
	p.Log.Debug("Dispatching job run request",
		zap.String("loop", ls.loop.Name),
		zap.String("type", q.Type),
		zap.String("tenant", q.Tenant),
		zap.Stringer("priority", prio))
	go p.execute(ls, index, q, host, body, start, maxtime+5*time.Second)
}

// execute performs the HTTP round trip on its own goroutine and reports the
// outcome into the loop's completions channel.
func (p *Pool) execute(
	ls *loopSlots, slotIndex int,
	q queue.Queue, host, body string,
	start time.Time, timeout time.Duration,
) {
	c := completion{slotIndex: slotIndex, queue: q, start: start}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Conf.URL,
		strings.NewReader(body))
	if err != nil {
		c.err = err
		c.elapsed = time.Since(start)
		ls.completions <- c
		return
	}
	req.Host = host
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.http.Do(req)
	if err != nil {
		c.err = err
		c.elapsed = time.Since(start)
		ls.completions <- c
		return
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	c.elapsed = time.Since(start)
	switch {
	case err != nil:
		c.err = err
	case resp.StatusCode != http.StatusOK:
		c.err = fmt.Errorf("job run endpoint returned status %d", resp.StatusCode)
	default:
		var statuses []JobStatus
		if jsonErr := json.Unmarshal(raw, &statuses); jsonErr != nil {
			c.rawBody = raw
		} else {
			c.statuses = statuses
		}
	}
	ls.completions <- c
}

// Terminate aborts all in-flight requests and releases pool resources.
func (p *Pool) Terminate() {
	p.cancel()
	p.http.CloseIdleConnections()
}
