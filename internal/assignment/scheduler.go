package assignment

import (
	"container/heap"
	"context"
	"time"

	"castplane/internal/castplane"
)

// scheduledEntry is one retry or scheduled assignment waiting to fire.
type scheduledEntry struct {
	fireAt     time.Time
	ctx        context.Context
	assignment castplane.Assignment
	attempt    int
}

// scheduledHeap is a min-heap by fireAt, satisfying container/heap.Interface.
type scheduledHeap []scheduledEntry

func (h scheduledHeap) Len() int            { return len(h) }
func (h scheduledHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h scheduledHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scheduledHeap) Push(x interface{}) { *h = append(*h, x.(scheduledEntry)) }
func (h *scheduledHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// schedule enqueues an entry and wakes the scheduler if it is the new
// earliest entry, the same reset-on-insert timer technique the shutdown
// monitor uses for its own inactivity timer.
func (e *Engine) schedule(entry scheduledEntry) {
	e.mu.Lock()
	heap.Push(&e.heap, entry)
	isEarliest := e.heap[0].fireAt.Equal(entry.fireAt)
	e.mu.Unlock()

	if isEarliest {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// RunScheduler blocks until ctx is cancelled, dequeuing and firing due
// entries. There is exactly one scheduler goroutine per Engine.
func (e *Engine) RunScheduler(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e.mu.Lock()
		var wait time.Duration
		if e.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(e.heap[0].fireAt)
			if wait < 0 {
				wait = 0
			}
		}
		e.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			continue
		case <-timer.C:
			e.fireDue()
		}
	}
}

func (e *Engine) fireDue() {
	now := time.Now()
	for {
		e.mu.Lock()
		if e.heap.Len() == 0 || e.heap[0].fireAt.After(now) {
			e.mu.Unlock()
			return
		}
		entry := heap.Pop(&e.heap).(scheduledEntry)
		e.mu.Unlock()

		if gen, ok := e.store.CurrentGeneration(entry.assignment.RendererID); !ok || gen != entry.assignment.Generation {
			continue
		}
		go e.activate(entry.ctx, entry.assignment, entry.attempt)
	}
}
