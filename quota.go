// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import "sync"

// Quota is a counting semaphore with soft/hard thresholds and a FIFO waiter
// queue, gating admission of new connections.
//
// A zero-value Quota is not usable; construct one with [NewQuota].
type Quota struct {
	mu      sync.Mutex
	inUse   int
	soft    int
	hard    int
	waiters []quotaWaiter
}

// quotaWaiter is a suspended AttachCB call, resumed in FIFO order by [Quota.Detach].
type quotaWaiter struct {
	cb func()
}

// NewQuota returns a [*Quota] with the given soft and hard thresholds.
//
// soft must be <= hard. Attaching at or above soft but below hard returns
// [SOFTQUOTA]; attaching at or above hard suspends the caller.
func NewQuota(soft, hard int) *Quota {
	return &Quota{soft: soft, hard: hard}
}

// AttachCB attempts to consume one slot.
//
// If a slot is immediately available below the soft threshold, it returns
// [SUCCESS] synchronously. If a slot is available but at or above the soft
// threshold, it returns [SOFTQUOTA] synchronously. If the quota is exhausted
// (at or above the hard threshold), AttachCB enqueues cb and returns [QUOTA];
// cb is invoked later, from [Quota.Detach], once a slot frees — the caller
// must not assume the slot is held until cb runs.
func (q *Quota) AttachCB(cb func()) Kind {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inUse >= q.hard {
		q.waiters = append(q.waiters, quotaWaiter{cb: cb})
		return QUOTA
	}

	q.inUse++
	if q.inUse >= q.soft {
		return SOFTQUOTA
	}
	return SUCCESS
}

// Detach releases one slot.
//
// If a waiter is queued, the slot is transferred atomically to the oldest
// waiter (FIFO) — it is never returned to the pool and re-acquired by a new
// caller first — and that waiter's callback is invoked synchronously with
// the quota lock released.
func (q *Quota) Detach() {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.inUse--
		q.mu.Unlock()
		return
	}

	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()

	w.cb()
}

// InUse reports the number of slots currently consumed, for tests and metrics.
func (q *Quota) InUse() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inUse
}

// Waiting reports the number of suspended callbacks, for tests and metrics.
func (q *Quota) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
