// Package redistest boots ephemeral redis-server subprocesses for unit tests.
package redistest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Redis server and client for use in end-to-end unit tests.
type Redis struct {
	Client *redis.Client

	cmd     *exec.Cmd
	done    chan struct{}
	wg      sync.WaitGroup
	tempDir string
}

// NewRedis starts an ephemeral Redis server on a unix socket and returns a
// client. The test is skipped when no redis-server binary is installed.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	bin, err := exec.LookPath("redis-server")
	if err != nil {
		t.Skip("redis-server not installed, skipping")
	}
	dir, err := os.MkdirTemp("", "redistest-")
	if err != nil {
		t.Fatal("failed to get temp dir:", err)
	}
	socket := filepath.Join(dir, "redis.sock")
	cmd := exec.CommandContext(ctx, bin,
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--loglevel", "notice")
	cmd.Dir = dir
	r := &Redis{
		cmd:     cmd,
		done:    make(chan struct{}),
		tempDir: dir,
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatal("failed to start redis-server:", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.done)
		_ = cmd.Wait()
	}()
	r.Client = redis.NewClient(&redis.Options{
		Network: "unix",
		Addr:    socket,
	})
	// Give Redis a moment to create the socket.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var pingErr error
	for try := 0; try < 30; try++ {
		if try > 0 {
			select {
			case <-ticker.C:
			case <-r.done:
				t.Fatalf("redis-server exited early:\n%s", output.String())
			}
		}
		pingErr = r.Client.Ping(ctx).Err()
		if pingErr == nil {
			t.Log("redistest: Redis is up")
			return r
		}
		if errors.Is(pingErr, redis.ErrClosed) || errors.Is(pingErr, os.ErrNotExist) {
			continue // still starting up
		}
	}
	t.Fatal("failed to ping Redis:", pingErr)
	return nil
}

// Socket returns the unix socket path the server listens on.
func (r *Redis) Socket() string {
	return filepath.Join(r.tempDir, "redis.sock")
}

// Close shuts down the server and client and removes the working dir.
func (r *Redis) Close(t testing.TB) {
	_ = r.Client.Close()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	r.wg.Wait()
	t.Log("redistest: Removing", r.tempDir)
	_ = os.RemoveAll(r.tempDir)
}
