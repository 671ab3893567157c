// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package health tracks the liveness of the engine's long-running loops.
// Each runner registers once and pings on every iteration; a runner that
// stops pinging for its timeout shows up as unhealthy on /health.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTimeout is how long a runner may go without pinging.
const DefaultTimeout = 30 * time.Second

// ID objects are returned when registering and are to be used when pinging.
type ID string

// Status is the point-in-time liveness of all registered runners.
type Status struct {
	Healthy   []string `json:"healthy"`
	Unhealthy []string `json:"unhealthy"`
}

type component struct {
	name       string
	timeout    time.Duration
	latestPing time.Time
}

// Catalog tracks runner liveness. The clock is injectable for tests.
type Catalog struct {
	mu         sync.RWMutex
	components map[ID]*component
	clk        clock.Clock
}

// NewCatalog builds a catalog on the given clock.
func NewCatalog(clk clock.Clock) *Catalog {
	if clk == nil {
		clk = clock.New()
	}
	return &Catalog{
		components: make(map[ID]*component),
		clk:        clk,
	}
}

// Register a runner with the default timeout, returning its ping token.
func (c *Catalog) Register(name string) ID {
	return c.RegisterWithCustomTimeout(name, DefaultTimeout)
}

// RegisterWithCustomTimeout registers with a custom timeout duration.
func (c *Catalog) RegisterWithCustomTimeout(name string, timeout time.Duration) ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := ID(name)
	for n := 2; ; n++ {
		if _, taken := c.components[id]; !taken {
			break
		}
		id = ID(fmt.Sprintf("%s-%d", name, n))
	}

	c.components[id] = &component{
		name:    string(id),
		timeout: timeout,
		// unhealthy until the first ping
		latestPing: c.clk.Now().Add(-2 * timeout),
	}
	return id
}

// Deregister removes a runner from the catalog.
func (c *Catalog) Deregister(token ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.components[token]; !found {
		return fmt.Errorf("component %s not registered", token)
	}
	delete(c.components, token)
	return nil
}

// Ping is called by runners on every loop iteration.
func (c *Catalog) Ping(token ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, found := c.components[token]
	if !found {
		return fmt.Errorf("component %s not registered", token)
	}
	comp.latestPing = c.clk.Now()
	return nil
}

// GetStatus reports the liveness of every registered runner.
func (c *Catalog) GetStatus() Status {
	status := Status{}
	now := c.clk.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, comp := range c.components {
		if now.After(comp.latestPing.Add(comp.timeout)) {
			status.Unhealthy = append(status.Unhealthy, comp.name)
		} else {
			status.Healthy = append(status.Healthy, comp.name)
		}
	}
	return status
}
