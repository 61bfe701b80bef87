// Package redisha issues commands against a set of equivalent Redis
// endpoints with failover and broadcast semantics.
//
// Commands are opaque name + argument vectors; the client never interprets
// results. Each endpoint owns one go-redis client, so connection pooling and
// reuse across calls come with it. An endpoint that fails at the transport
// level is held out of HA rotation for an exponentially growing back-off
// window and re-admitted on the first success.
package redisha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrAllEndpointsDown is returned by DoHA when every endpoint was tried and
// failed within the call.
var ErrAllEndpointsDown = errors.New("all Redis endpoints down")

// ErrUnknownEndpoint is returned by Do for an endpoint name not in the set.
var ErrUnknownEndpoint = errors.New("unknown Redis endpoint")

// Endpoint is one member of an equivalent endpoint set.
type Endpoint struct {
	Name string
	DB   *redis.Client

	mu        sync.Mutex
	downUntil time.Time
	bo        *backoff.ExponentialBackOff
}

// NewEndpoint wraps an existing go-redis client.
func NewEndpoint(name string, db *redis.Client) *Endpoint {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return &Endpoint{Name: name, DB: db, bo: bo}
}

// healthy reports whether the endpoint is outside its back-off window.
func (e *Endpoint) healthy(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !now.Before(e.downUntil)
}

func (e *Endpoint) markDown(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downUntil = now.Add(e.bo.NextBackOff())
}

func (e *Endpoint) markUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downUntil = time.Time{}
	e.bo.Reset()
}

// Client fans commands out over an ordered list of equivalent endpoints.
type Client struct {
	Log       *zap.Logger
	endpoints []*Endpoint
	byName    map[string]*Endpoint
}

// New creates a client over pre-built endpoints. Order matters for DoHA.
func New(log *zap.Logger, endpoints ...*Endpoint) *Client {
	byName := make(map[string]*Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byName[ep.Name] = ep
	}
	return &Client{Log: log, endpoints: endpoints, byName: byName}
}

// Dial creates a client with one TCP connection pool per address.
func Dial(log *zap.Logger, addrs []string) *Client {
	endpoints := make([]*Endpoint, len(addrs))
	for i, addr := range addrs {
		endpoints[i] = NewEndpoint(addr, redis.NewClient(&redis.Options{Addr: addr}))
	}
	return New(log, endpoints...)
}

// Names returns the endpoint names in order.
func (c *Client) Names() []string {
	names := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		names[i] = ep.Name
	}
	return names
}

// Len returns the number of endpoints.
func (c *Client) Len() int {
	return len(c.endpoints)
}

// Endpoint returns the named endpoint.
func (c *Client) Endpoint(name string) (*Endpoint, bool) {
	ep, ok := c.byName[name]
	return ep, ok
}

// Close closes every endpoint client.
func (c *Client) Close() error {
	var err error
	for _, ep := range c.endpoints {
		err = multierr.Append(err, ep.DB.Close())
	}
	return err
}

// isTransportErr distinguishes connectivity failures from Redis replies.
// Server-side errors (including redis.Nil) mean the endpoint is reachable.
func isTransportErr(err error) bool {
	if err == nil {
		return false
	}
	var redisErr redis.Error
	return !errors.As(err, &redisErr)
}

// Do issues one command against the named endpoint. A transport failure
// marks the endpoint unhealthy for a back-off window and surfaces the error.
func (c *Client) Do(ctx context.Context, endpoint string, args ...interface{}) (*redis.Cmd, error) {
	ep, ok := c.byName[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	cmd := ep.DB.Do(ctx, args...)
	err := cmd.Err()
	if isTransportErr(err) {
		ep.markDown(time.Now())
		c.Log.Warn("Redis endpoint down",
			zap.String("endpoint", ep.Name), zap.Error(err))
		return cmd, err
	}
	ep.markUp()
	return cmd, nil
}

// DoHA issues one command, trying endpoints in order until one succeeds.
// Endpoints inside their back-off window are only tried when every healthy
// endpoint has already failed.
func (c *Client) DoHA(ctx context.Context, args ...interface{}) (*redis.Cmd, error) {
	now := time.Now()
	var skipped []*Endpoint
	var errs error
	for _, ep := range c.endpoints {
		if !ep.healthy(now) {
			skipped = append(skipped, ep)
			continue
		}
		cmd, err := c.tryEndpoint(ctx, ep, args)
		if err == nil {
			return cmd, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", ep.Name, err))
	}
	for _, ep := range skipped {
		cmd, err := c.tryEndpoint(ctx, ep, args)
		if err == nil {
			return cmd, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", ep.Name, err))
	}
	return nil, fmt.Errorf("%w: %s", ErrAllEndpointsDown, errs)
}

func (c *Client) tryEndpoint(ctx context.Context, ep *Endpoint, args []interface{}) (*redis.Cmd, error) {
	cmd := ep.DB.Do(ctx, args...)
	if err := cmd.Err(); isTransportErr(err) {
		ep.markDown(time.Now())
		c.Log.Warn("Redis endpoint down",
			zap.String("endpoint", ep.Name), zap.Error(err))
		return cmd, err
	}
	ep.markUp()
	return cmd, nil
}

// Command is one opaque command of a broadcast pipeline.
type Command []interface{}

// Broadcast issues a pipeline of commands against every endpoint and
// returns the number of endpoints where the whole pipeline succeeded.
// Per-endpoint failures are aggregated into the returned error.
func (c *Client) Broadcast(ctx context.Context, cmds ...Command) (int, error) {
	okCount := 0
	var errs error
	for _, ep := range c.endpoints {
		pipe := ep.DB.Pipeline()
		for _, args := range cmds {
			pipe.Do(ctx, args...)
		}
		_, err := pipe.Exec(ctx)
		if isTransportErr(err) {
			ep.markDown(time.Now())
			c.Log.Warn("Redis endpoint down",
				zap.String("endpoint", ep.Name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ep.Name, err))
			continue
		}
		ep.markUp()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ep.Name, err))
			continue
		}
		okCount++
	}
	return okCount, errs
}
