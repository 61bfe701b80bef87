package redisha

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/redistest"
	"go.uber.org/zap/zaptest"
)

// deadClient points at a port nothing listens on.
func deadClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestDo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)
	c := New(zaptest.NewLogger(t),
		NewEndpoint("up", rd.Client),
		NewEndpoint("down", deadClient()))

	cmd, err := c.Do(ctx, "up", "SET", "k", "v")
	require.NoError(t, err)
	require.NoError(t, cmd.Err())

	_, err = c.Do(ctx, "down", "GET", "k")
	assert.Error(t, err)
	_, err = c.Do(ctx, "nope", "GET", "k")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)

	// redis.Nil is a reply, not a transport failure.
	cmd, err = c.Do(ctx, "up", "GET", "missing")
	require.NoError(t, err)
	assert.ErrorIs(t, cmd.Err(), redis.Nil)
}

func TestDoHAFailover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)
	c := New(zaptest.NewLogger(t),
		NewEndpoint("down", deadClient()),
		NewEndpoint("up", rd.Client))

	// First endpoint fails, second one serves.
	cmd, err := c.DoHA(ctx, "SET", "k", "v")
	require.NoError(t, err)
	require.NoError(t, cmd.Err())
	val, err := rd.Client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// The failed endpoint now sits in its back-off window and is skipped.
	cmd, err = c.DoHA(ctx, "GET", "k")
	require.NoError(t, err)
	got, err := cmd.Text()
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestDoHAAllDown(t *testing.T) {
	c := New(zaptest.NewLogger(t),
		NewEndpoint("down1", deadClient()),
		NewEndpoint("down2", deadClient()))
	_, err := c.DoHA(context.Background(), "PING")
	assert.ErrorIs(t, err, ErrAllEndpointsDown)
}

func TestBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd1 := redistest.NewRedis(ctx, t)
	defer rd1.Close(t)
	rd2 := redistest.NewRedis(ctx, t)
	defer rd2.Close(t)
	c := New(zaptest.NewLogger(t),
		NewEndpoint("a", rd1.Client),
		NewEndpoint("b", rd2.Client),
		NewEndpoint("down", deadClient()))

	ok, err := c.Broadcast(ctx,
		Command{"SET", "k", "v"},
		Command{"SET", "k2", "v2"})
	assert.Error(t, err)
	assert.Equal(t, 2, ok)
	for _, client := range []*redis.Client{rd1.Client, rd2.Client} {
		val, err := client.Get(ctx, "k2").Result()
		require.NoError(t, err)
		assert.Equal(t, "v2", val)
	}
}

func TestNames(t *testing.T) {
	c := New(zaptest.NewLogger(t),
		NewEndpoint("a", deadClient()),
		NewEndpoint("b", deadClient()))
	assert.Equal(t, []string{"a", "b"}, c.Names())
	assert.Equal(t, 2, c.Len())
	_, ok := c.Endpoint("a")
	assert.True(t, ok)
	_, ok = c.Endpoint("z")
	assert.False(t, ok)
}
