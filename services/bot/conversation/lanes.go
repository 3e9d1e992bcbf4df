// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onebit-support/askbot/services/bot/ingest"
	"github.com/onebit-support/askbot/services/bot/observability"
)

// Handler processes one inbound message end to end.
type Handler func(ctx context.Context, userID, text string) error

// LaneOptions configures the lane scheduler.
type LaneOptions struct {
	Handler Handler
	Metrics *observability.Metrics

	// MaxConcurrent bounds pipeline runs across all lanes. Zero means 8.
	MaxConcurrent int

	// QueueSize bounds one user's pending messages. Zero means 32.
	QueueSize int

	// SubmitTimeout bounds how long Submit blocks on a full lane before
	// reporting backpressure to the ingest channel. Zero means 5s.
	SubmitTimeout time.Duration

	// ShutdownGrace bounds the drain on Close. Zero means 15s.
	ShutdownGrace time.Duration
}

// Lanes fans inbound messages out to one ordered queue per user.
//
// Within a lane, message N completes before message N+1 starts. Lanes
// for different users run concurrently up to MaxConcurrent.
type Lanes struct {
	opts LaneOptions
	sem  chan struct{}

	mu     sync.Mutex
	lanes  map[string]chan ingest.Message
	closed bool

	// draining closes when Close starts; consumers finish their queue
	// and exit. The lane channels themselves are never closed, so a
	// Submit racing Close never panics: the message lands in the
	// buffer and is either drained or lost with the shutdown.
	draining chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLanes builds the scheduler. Close releases its goroutines.
func NewLanes(opts LaneOptions) (*Lanes, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("conversation: lane handler is required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 5 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lanes{
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
		lanes:    make(map[string]chan ingest.Message),
		draining: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Submit queues one message on its user's lane, starting the lane on
// first use. A full lane blocks up to SubmitTimeout; the resulting
// error propagates to the ingest channel, which keeps the message
// eligible for redelivery.
func (l *Lanes) Submit(msg ingest.Message) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("conversation: lanes are shut down")
	}
	lane, ok := l.lanes[msg.UserID]
	if !ok {
		lane = make(chan ingest.Message, l.opts.QueueSize)
		l.lanes[msg.UserID] = lane
		l.wg.Add(1)
		go l.consume(msg.UserID, lane)
	}
	l.mu.Unlock()

	select {
	case lane <- msg:
		return nil
	case <-l.ctx.Done():
		return fmt.Errorf("conversation: lanes are shut down")
	case <-time.After(l.opts.SubmitTimeout):
		slog.Warn("Lane backpressure, message not queued", "user_id", msg.UserID)
		return fmt.Errorf("conversation: lane for user is full")
	}
}

// consume drains one user's lane in strict order.
func (l *Lanes) consume(userID string, lane chan ingest.Message) {
	defer l.wg.Done()
	for {
		select {
		case msg := <-lane:
			l.process(msg)
		case <-l.draining:
			// Finish whatever was queued before shutdown started.
			for {
				select {
				case msg := <-lane:
					l.process(msg)
				default:
					return
				}
			}
		}
	}
}

func (l *Lanes) process(msg ingest.Message) {
	select {
	case l.sem <- struct{}{}:
	case <-l.ctx.Done():
		return
	}
	defer func() { <-l.sem }()

	if l.opts.Metrics != nil {
		l.opts.Metrics.MessagesTotal.WithLabelValues("processed").Inc()
	}
	if err := l.opts.Handler(l.ctx, msg.UserID, msg.Text); err != nil {
		slog.Warn("Message handling failed",
			"user_id", msg.UserID, "post_id", msg.PostID, "error", err)
	}
}

// Close stops intake, lets in-flight lanes drain up to ShutdownGrace,
// then cancels whatever is still running.
func (l *Lanes) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.draining)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.opts.ShutdownGrace):
		slog.Warn("Lane drain exceeded grace period, cancelling")
	}
	l.cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
