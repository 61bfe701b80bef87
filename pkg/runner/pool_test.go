package runner

import (
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/ready"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/selector"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/sign"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/topology"
	"go.uber.org/zap/zaptest"
)

const testSecret = "hunter2"

func testConf(url string) *topology.Config {
	conf := topology.DefaultConfig
	conf.Loops = []*topology.Loop{{
		Name:    "main",
		Runners: 2,
		Include: []string{"*"},
	}}
	conf.URL = url
	conf.Wikis = map[string]string{"enwiki": "en.wikipedia.org"}
	return &conf
}

func testPool(t *testing.T, conf *topology.Config) *Pool {
	p := NewPool(zaptest.NewLogger(t), conf, sign.NewSigner([]byte(testSecret)))
	p.Rng = rand.New(rand.NewSource(1))
	for i := 0; i < conf.Loops[0].Runners; i++ {
		p.InitSlot(conf.Loops[0], i)
	}
	t.Cleanup(p.Terminate)
	return p
}

// reapUntil keeps refilling until the predicate holds or a deadline passes.
func reapUntil(t *testing.T, p *Pool, rm ready.Map, pred func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !pred() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for completions")
		}
		time.Sleep(10 * time.Millisecond)
		p.Refill("main", selector.High, rm)
	}
}

func TestPoolDispatchAndReap(t *testing.T) {
	signer := sign.NewSigner([]byte(testSecret))
	var gotHost, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotHost = r.Host
		gotBody = string(body)
		_, _ = w.Write([]byte(`[{"type":"refreshLinks","status":"ok"},{"type":"refreshLinks","status":"failed"}]`))
	}))
	defer srv.Close()
	conf := testConf(srv.URL)
	conf.Loops[0].Runners = 1
	p := testPool(t, conf)
	rm := ready.Map{"refreshLinks": {"enwiki": 100}}

	free, filled := p.Refill("main", selector.High, rm)
	assert.Equal(t, 0, free)
	assert.Equal(t, 1, filled)
	assert.Equal(t, uint64(1), p.Stats.Dispatched)

	reapUntil(t, p, rm, func() bool { return p.Stats.JobsOK > 0 })
	assert.Equal(t, uint64(1), p.Stats.JobsOK)
	assert.Equal(t, uint64(1), p.Stats.JobsFailed)
	assert.Zero(t, p.Stats.Errors)
	// A fast clean response empties the queue in the local ready view.
	assert.False(t, rm.Has("refreshLinks", "enwiki"))

	assert.Equal(t, "en.wikipedia.org", gotHost)
	// High priority grants the low-priority max run time.
	i := strings.LastIndex(gotBody, "&signature=")
	require.Positive(t, i)
	assert.Equal(t,
		"async=false&maxtime=60&sigexpiry=2147483647&tasks=placeholder"+
			"&title=Special:RunJobs&type=refreshLinks",
		gotBody[:i])
	assert.True(t, signer.Verify([]byte(gotBody[:i]), gotBody[i+len("&signature="):]))
}

func TestPoolUnknownTenant(t *testing.T) {
	conf := testConf("http://127.0.0.1:1")
	p := testPool(t, conf)
	rm := ready.Map{"refreshLinks": {"frwiki": 100}}
	free, filled := p.Refill("main", selector.High, rm)
	assert.Equal(t, 2, free)
	assert.Zero(t, filled)
	assert.Zero(t, p.Stats.Dispatched)
}

func TestPoolMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a status list</html>"))
	}))
	defer srv.Close()
	conf := testConf(srv.URL)
	conf.Loops[0].Runners = 1
	p := testPool(t, conf)
	rm := ready.Map{"refreshLinks": {"enwiki": 100}}

	_, filled := p.Refill("main", selector.High, rm)
	require.Equal(t, 1, filled)
	reapUntil(t, p, rm, func() bool { return p.Stats.Errors > 0 })
	assert.Equal(t, uint64(1), p.Stats.Errors)
	assert.Zero(t, p.Stats.JobsOK)
	// A malformed response is no evidence the queue drained.
	assert.True(t, rm.Has("refreshLinks", "enwiki"))
}

func TestPoolTransportError(t *testing.T) {
	conf := testConf("http://127.0.0.1:1")
	conf.Loops[0].Runners = 1
	p := testPool(t, conf)
	rm := ready.Map{"refreshLinks": {"enwiki": 100}}
	_, filled := p.Refill("main", selector.High, rm)
	require.Equal(t, 1, filled)
	reapUntil(t, p, rm, func() bool { return p.Stats.Errors > 0 })
	assert.Equal(t, uint64(1), p.Stats.Errors)
}

func TestPoolCapacity(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	defer close(release)
	conf := testConf(srv.URL)
	p := testPool(t, conf)
	rm := ready.Map{"refreshLinks": {"enwiki": 100}}

	free, filled := p.Refill("main", selector.High, rm)
	assert.Equal(t, 1, free)
	assert.Equal(t, 1, filled)
	free, filled = p.Refill("main", selector.High, rm)
	assert.Equal(t, 0, free)
	assert.Equal(t, 1, filled)
	// Both slots busy: nothing left to fill.
	free, filled = p.Refill("main", selector.High, rm)
	assert.Zero(t, free)
	assert.Zero(t, filled)
	assert.Equal(t, uint64(2), p.Stats.Dispatched)
}

func TestPoolTerminateAborts(t *testing.T) {
	started := make(chan struct{}, 1)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-block
	}))
	defer srv.Close()
	defer close(block)
	conf := testConf(srv.URL)
	conf.Loops[0].Runners = 1
	p := testPool(t, conf)
	rm := ready.Map{"refreshLinks": {"enwiki": 100}}
	_, filled := p.Refill("main", selector.High, rm)
	require.Equal(t, 1, filled)
	<-started
	p.Terminate()
	reapUntil(t, p, rm, func() bool { return p.Stats.Errors > 0 })
}
