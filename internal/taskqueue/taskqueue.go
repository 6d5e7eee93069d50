//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package taskqueue runs background tasks serialized per key. Tasks with the
// same key execute in submission order; tasks with different keys run
// concurrently. The queue tracks everything it started so shutdown can await
// completion with a bounded timeout.
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-recall-go/log"
)

// ErrClosed is returned by Submit after Shutdown has begun.
var ErrClosed = errors.New("task queue is closed")

// Task is one unit of background work. The context is detached from the
// request that spawned the task and is cancelled only when shutdown gives up
// waiting.
type Task func(ctx context.Context)

// Queue serializes tasks per key.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string][]Task
	active  map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates an empty queue.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string][]Task),
		active:  make(map[string]bool),
	}
}

// Submit enqueues a task under key. Tasks sharing a key run in FIFO order.
func (q *Queue) Submit(key string, task Task) error {
	if task == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending[key] = append(q.pending[key], task)
	if !q.active[key] {
		q.active[key] = true
		q.wg.Add(1)
		go q.drain(key)
	}
	return nil
}

// drain runs the pending tasks of one key until none remain.
func (q *Queue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		queue := q.pending[key]
		if len(queue) == 0 {
			q.active[key] = false
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		task := queue[0]
		q.pending[key] = queue[1:]
		q.mu.Unlock()

		q.run(key, task)
	}
}

// run executes one task, containing panics so one bad task cannot take the
// worker down.
func (q *Queue) run(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("taskqueue: task for key %q panicked: %v", key, r)
		}
	}()
	task(q.ctx)
}

// Shutdown refuses new tasks and waits up to timeout for in-flight and
// pending tasks to finish. Tasks still running after the timeout get their
// context cancelled; Shutdown returns without waiting for them further.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnf("taskqueue: shutdown timeout after %v, cancelling remaining tasks", timeout)
	}
	q.cancel()
}
