package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/ready"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/selector"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/sign"
	"go.uber.org/zap/zaptest"
)

func TestPriorityTimedFlip(t *testing.T) {
	t0 := time.Unix(1000, 0)
	hpMaxDelay := 30 * time.Second
	lpMaxDelay := 60 * time.Second

	st := &prioState{prio: selector.High, since: t0}
	// High priority persists up to lpMaxDelay.
	assert.False(t, st.updateTimed(t0.Add(59*time.Second), hpMaxDelay, lpMaxDelay))
	assert.Equal(t, selector.High, st.prio)
	assert.True(t, st.updateTimed(t0.Add(61*time.Second), hpMaxDelay, lpMaxDelay))
	assert.Equal(t, selector.Low, st.prio)
	assert.Equal(t, t0.Add(61*time.Second), st.since)
	// Low priority persists up to hpMaxDelay.
	assert.False(t, st.updateTimed(t0.Add(90*time.Second), hpMaxDelay, lpMaxDelay))
	assert.True(t, st.updateTimed(t0.Add(92*time.Second), hpMaxDelay, lpMaxDelay))
	assert.Equal(t, selector.High, st.prio)
}

func TestPriorityFlip(t *testing.T) {
	t0 := time.Unix(1000, 0)
	st := &prioState{prio: selector.High, since: t0}
	t5 := t0.Add(5 * time.Second)
	st.flip(t5)
	assert.Equal(t, selector.Low, st.prio)
	assert.Equal(t, t5, st.since)
	st.flip(t5)
	assert.Equal(t, selector.High, st.prio)
}

// TestDaemonFlipsOnEmptyClass drives one full iteration: the ready map only
// names an unconfigured tenant, so refill dispatches nothing and the loop
// yields its priority class.
func TestDaemonFlipsOnEmptyClass(t *testing.T) {
	conf := testConf("http://127.0.0.1:1")
	cache := ready.NewCache(zaptest.NewLogger(t),
		func(context.Context) (ready.Map, error) {
			return ready.Map{"refreshLinks": {"frwiki": 100}}, nil
		}, time.Minute)
	d := Daemon{
		Log:   zaptest.NewLogger(t),
		Conf:  conf,
		Cache: cache,
		Pool:  NewPool(zaptest.NewLogger(t), conf, sign.NewSigner([]byte(testSecret))),
	}
	d.Init()
	t.Cleanup(d.Pool.Terminate)
	st := d.prios["main"]
	require.Equal(t, selector.High, st.prio)

	d.step(context.Background())
	assert.Equal(t, selector.Low, st.prio, "empty class must yield its turn")
	d.step(context.Background())
	assert.Equal(t, selector.High, st.prio, "the next empty iteration flips back")
}
