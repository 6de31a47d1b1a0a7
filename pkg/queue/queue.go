// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package queue implements a keyed work queue whose items are processed
// one at a time, in the order they were enqueued.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned for items enqueued after, or still pending at, Close.
var ErrClosed = errors.New("queue closed")

// ProcessFunc handles a single item.
type ProcessFunc[T, R any] func(ctx context.Context, item T) (R, error)

type result[R any] struct {
	value R
	err   error
}

type job[T, R any] struct {
	ctx  context.Context
	item T
	done chan result[R]
}

// Queue runs ProcessFunc on a single worker goroutine. Enqueueing an ID
// that is already pending does not add a second item; the caller receives
// the result of the pending one.
type Queue[T, R any] struct {
	process ProcessFunc[T, R]
	jobs    chan *job[T, R]
	group   singleflight.Group
	pending atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// New starts the worker. buffer bounds how many items may wait before
// Enqueue blocks.
func New[T, R any](process ProcessFunc[T, R], buffer int) *Queue[T, R] {
	q := &Queue[T, R]{
		process: process,
		jobs:    make(chan *job[T, R], buffer),
		closed:  make(chan struct{}),
	}
	go q.work()
	return q
}

func (q *Queue[T, R]) work() {
	for {
		select {
		case <-q.closed:
			return
		case j := <-q.jobs:
			value, err := q.process(j.ctx, j.item)
			j.done <- result[R]{value: value, err: err}
		}
	}
}

// Enqueue adds item under id and waits for it to be processed.
func (q *Queue[T, R]) Enqueue(ctx context.Context, id string, item T) (R, error) {
	ch := q.group.DoChan(id, func() (any, error) {
		q.pending.Add(1)
		defer q.pending.Add(-1)
		j := &job[T, R]{ctx: ctx, item: item, done: make(chan result[R], 1)}
		select {
		case q.jobs <- j:
		case <-q.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case res := <-j.done:
			return res.value, res.err
		case <-q.closed:
			return nil, ErrClosed
		}
	})
	var zero R
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(R), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Size is the number of items waiting or being processed.
func (q *Queue[T, R]) Size() int {
	return int(q.pending.Load())
}

func (q *Queue[T, R]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}
