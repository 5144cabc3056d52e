// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"sync"
)

// stubCommitter records committed summaries and can be told to fail.
type stubCommitter struct {
	mu        sync.Mutex
	summaries []Summary
	fail      bool
}

func (c *stubCommitter) Commit(_ context.Context, sum Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("storage unavailable")
	}
	c.summaries = append(c.summaries, sum)
	return nil
}

func (c *stubCommitter) committed() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Summary, len(c.summaries))
	copy(out, c.summaries)
	return out
}

// stubPublisher records published samples.
type stubPublisher struct {
	mu      sync.Mutex
	samples []int
}

func (p *stubPublisher) PublishHeartbeat(_ context.Context, _ string, bpm, _, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, bpm)
}

func (p *stubPublisher) published() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.samples))
	copy(out, p.samples)
	return out
}
