// Package poollock implements a cooperative distributed lock with at-most-N
// concurrent holders over a set of aggregator slot keys.
//
// Each slot key stores the unix time of its last acquisition or refresh.
// A slot whose timestamp is older than the TTL is considered stale and free
// to take over, so crashed holders self-evict without a death signal. Races
// are bounded to the N concurrent holders the lock permits anyway.
package poollock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/redisha"
)

// ErrLockUnavailable is returned by Acquire when every slot is held.
var ErrLockUnavailable = errors.New("all pool lock slots held")

// ErrNotHeld is returned by Refresh and Release without a prior Acquire.
var ErrNotHeld = errors.New("pool lock not held")

// Lock is an N-slot cooperative lock on the aggregator servers.
type Lock struct {
	HA    *redisha.Client
	Name  string
	Slots int
	TTL   time.Duration

	heldKey string
}

// Acquire probes the slot keys in order and takes over the first slot that
// is absent or stale. The takeover is a GETSET whose prior value must match
// the observed one. Returns the held slot key, or ErrLockUnavailable.
func (l *Lock) Acquire(ctx context.Context) (string, error) {
	now := time.Now().Unix()
	cutoff := now - int64(l.TTL/time.Second)
	for i := 0; i < l.Slots; i++ {
		key := queue.LockSlotKey(l.Name, i)
		cmd, err := l.HA.DoHA(ctx, "GET", key)
		if err != nil {
			return "", fmt.Errorf("failed to probe pool lock slot: %w", err)
		}
		observed, err := cmd.Text()
		if errors.Is(err, redis.Nil) {
			observed = ""
		} else if err != nil {
			continue
		}
		if observed != "" {
			ts, err := strconv.ParseInt(observed, 10, 64)
			if err == nil && ts >= cutoff {
				continue // slot held and not stale
			}
		}
		setCmd, err := l.HA.DoHA(ctx, "GETSET", key, strconv.FormatInt(now, 10))
		if err != nil {
			return "", fmt.Errorf("failed to take over pool lock slot: %w", err)
		}
		prior, err := setCmd.Text()
		if errors.Is(err, redis.Nil) {
			prior = ""
		} else if err != nil {
			continue
		}
		if prior == observed {
			l.heldKey = key
			return key, nil
		}
		// Lost the race for this slot, try the next one.
	}
	return "", ErrLockUnavailable
}

// Held returns the held slot key, empty when the lock is not held.
func (l *Lock) Held() string {
	return l.heldKey
}

// Refresh rewrites the held slot's timestamp with the current time.
func (l *Lock) Refresh(ctx context.Context) error {
	if l.heldKey == "" {
		return ErrNotHeld
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if _, err := l.HA.DoHA(ctx, "SET", l.heldKey, now); err != nil {
		return fmt.Errorf("failed to refresh pool lock: %w", err)
	}
	return nil
}

// Release deletes the held slot key.
func (l *Lock) Release(ctx context.Context) error {
	if l.heldKey == "" {
		return ErrNotHeld
	}
	key := l.heldKey
	l.heldKey = ""
	if _, err := l.HA.DoHA(ctx, "DEL", key); err != nil {
		return fmt.Errorf("failed to release pool lock: %w", err)
	}
	return nil
}
