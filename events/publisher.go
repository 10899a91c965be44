//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of StarLoad.
//
// StarLoad is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// StarLoad is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with StarLoad. If not, see https://www.gnu.org/licenses/.

// Package events publishes DAG run lifecycle events to Kafka. Messages are
// keyed by run id so the events of one run stay ordered on one partition.
//
// Observer callbacks only enqueue; a single goroutine per Publisher drains
// the queue in order, so a slow or unreachable broker never delays a run.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/internal/ctxlog"
)

const (
	DefaultTopic        = "starload.runs"
	DefaultWriteTimeout = 10 * time.Second
	DefaultQueueSize    = 256
	eventTypeHeader     = "event_type"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublishError wraps failures to publish one event.
type PublishError struct {
	Event Type
	RunID string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s for run %s: %v", e.Event, e.RunID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// PublisherStats counts publish outcomes.
type PublisherStats struct {
	Published int64
	Failed    int64
}

// ErrQueueFull is recorded when an observed event is dropped because the
// publish queue is full.
var ErrQueueFull = errors.New("publish queue is full")

// ErrPublisherClosed is recorded for events observed after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

type queuedEvent struct {
	ctx   context.Context
	event RunEvent
}

// Publisher is a dag.RunObserver writing RunEvents to a MessageWriter.
type Publisher struct {
	writer       MessageWriter
	writeTimeout time.Duration
	queueSize    int
	now          func() time.Time
	published    atomic.Int64
	failed       atomic.Int64

	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	done   chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithQueueSize sets how many observed events may wait for the writer.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// NewPublisher publishes through w and starts the goroutine draining
// observed events. Close stops it.
func NewPublisher(w MessageWriter, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		writer:       w,
		writeTimeout: DefaultWriteTimeout,
		queueSize:    DefaultQueueSize,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan queuedEvent, p.queueSize)
	go p.drain()
	return p
}

// NewKafkaPublisher creates a publisher over a kafka writer for topic. The
// writer itself is synchronous so failures reach Stats.
func NewKafkaPublisher(brokers []string, topic string, opts ...PublisherOption) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, core.ConfigErrorf("at least one kafka broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	return NewPublisher(writer, opts...), nil
}

// Publish writes one event. The run id is the message key.
func (p *Publisher) Publish(ctx context.Context, event RunEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		p.failed.Add(1)
		return &PublishError{Event: event.Type, RunID: event.RunID, Err: err}
	}
	msg := kafka.Message{
		Key:     []byte(event.RunID),
		Value:   value,
		Headers: []kafka.Header{{Key: eventTypeHeader, Value: []byte(event.Type)}},
		Time:    event.OccurredAt,
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.failed.Add(1)
		return &PublishError{Event: event.Type, RunID: event.RunID, Err: err}
	}
	p.published.Add(1)
	return nil
}

// RunStarted implements dag.RunObserver.
func (p *Publisher) RunStarted(ctx context.Context, run dag.RunSnapshot) {
	p.observe(ctx, newRunEvent(RunStarted, run, p.now()))
}

// TaskStateChanged implements dag.RunObserver.
func (p *Publisher) TaskStateChanged(ctx context.Context, run dag.RunSnapshot, task dag.TaskRun) {
	event := newRunEvent(TaskStateChanged, run, p.now())
	payload := taskPayload(task)
	event.Task = &payload
	p.observe(ctx, event)
}

// RunFinished implements dag.RunObserver.
func (p *Publisher) RunFinished(ctx context.Context, run dag.RunSnapshot) {
	event := newRunEvent(RunFinished, run, p.now())
	for _, t := range run.Tasks {
		event.Tasks = append(event.Tasks, taskPayload(t))
	}
	p.observe(ctx, event)
}

// observe enqueues event without blocking. Events are dropped, and counted
// as failed, when the queue is full or the publisher is closed.
func (p *Publisher) observe(ctx context.Context, event RunEvent) {
	ctx = context.WithoutCancel(ctx)

	p.mu.RLock()
	err := ErrPublisherClosed
	if !p.closed {
		select {
		case p.queue <- queuedEvent{ctx: ctx, event: event}:
			err = nil
		default:
			err = ErrQueueFull
		}
	}
	p.mu.RUnlock()

	if err != nil {
		p.failed.Add(1)
		ctxlog.FromContext(ctx).Warn("dropping run event", "event", string(event.Type), "run_id", event.RunID, "error", err)
	}
}

func (p *Publisher) drain() {
	defer close(p.done)
	for q := range p.queue {
		if err := p.Publish(q.ctx, q.event); err != nil {
			ctxlog.FromContext(q.ctx).Warn("publishing run event", "event", string(q.event.Type), "error", err)
		}
	}
}

// Stats returns the publish counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// Close publishes the events already queued, then closes the underlying
// writer. Events observed afterwards are dropped.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
