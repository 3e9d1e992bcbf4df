// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest maintains the bot's event subscription to Mattermost.
//
// # Description
//
// The channel owns exactly one authenticated websocket connection to the
// platform's event stream. On connect it performs the authentication
// challenge handshake; on any network error, protocol error, or missed
// heartbeat it reconnects with capped exponential backoff and jitter.
// Connection loss is never fatal: the loop retries until Stop is called.
//
// Raw events are filtered down to direct messages addressed to the bot,
// deduplicated against the most recently processed post id per user
// (reconnects can redeliver), normalized, and handed to the sink. The
// sink is the conversation state machine's per-user queue; ordering
// within a user is preserved because this reader is single-threaded.
//
// # Thread Safety
//
// Start and Stop manage a single internal goroutine. Live may be called
// from any goroutine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onebit-support/askbot/services/bot/observability"
)

// Message is a normalized inbound direct message.
type Message struct {
	UserID     string
	ChannelID  string
	Text       string
	PostID     string
	ReceivedAt time.Time
}

// SinkFunc receives each accepted message. A sink error is logged and the
// message is dropped from the channel's perspective; delivery into the
// lane queue is the logical acknowledgement.
type SinkFunc func(ctx context.Context, msg Message) error

// Options configures the channel.
type Options struct {
	// URL is the websocket endpoint (wss://host/api/v4/websocket).
	URL string

	// Token authenticates the handshake.
	Token string

	// BotUserID filters out the bot's own posts.
	BotUserID string

	// Sink receives normalized messages. Required.
	Sink SinkFunc

	// Metrics is optional; nil disables instrumentation.
	Metrics *observability.Metrics

	// Backoff bounds. Zero values pick the defaults (1s initial, 60s cap).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PingInterval and PongTimeout bound heartbeat detection.
	// Zero values pick 30s and 10s.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Dialer is swappable for tests. Nil uses the default dialer.
	Dialer *websocket.Dialer
}

// Channel is the event ingestion channel.
type Channel struct {
	opts Options

	live   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	lastPost map[string]string // userID → last processed post id
}

// New creates a channel; Start must be called to begin ingesting.
func New(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("ingest: URL is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("ingest: sink is required")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		opts:     opts,
		done:     make(chan struct{}),
		lastPost: make(map[string]string),
	}, nil
}

// Live reports whether the subscription is currently connected and
// authenticated. Consumed by the health endpoint.
func (c *Channel) Live() bool { return c.live.Load() }

// Start launches the connect/read loop. The loop runs until Stop or
// until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop terminates the loop and waits for it to exit. Calling Stop on a
// channel that was never started returns immediately.
func (c *Channel) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.opts.InitialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndRead(ctx)
		c.setLive(false)
		if ctx.Err() != nil {
			return
		}

		// Any disconnect reason lands here; the channel retries forever.
		slog.Warn("Event subscription lost, scheduling reconnect",
			"error", err, "backoff", backoff)
		if c.opts.Metrics != nil {
			c.opts.Metrics.ReconnectsTotal.Inc()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// jitter spreads reconnect attempts over [d/2, d).
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (c *Channel) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return errors.Join(err, errors.New("handshake status "+resp.Status))
		}
		return err
	}
	defer conn.Close()

	// Authentication challenge, Mattermost protocol seq 1.
	challenge := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": c.opts.Token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return err
	}

	slog.Info("Event subscription established", "url", c.opts.URL)
	c.setLive(true)

	// Heartbeat: a pong (or any read) refreshes the deadline; a silent
	// connection is treated as dead after PingInterval+PongTimeout.
	deadline := c.opts.PingInterval + c.opts.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				// Unblock the reader so run() can observe cancellation.
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(c.opts.PongTimeout))
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleRaw(ctx, raw)
	}
}

// rawEvent mirrors the Mattermost websocket envelope for the events the
// channel cares about.
type rawEvent struct {
	Event string `json:"event"`
	Data  struct {
		ChannelType string `json:"channel_type"`
		Post        string `json:"post"`
	} `json:"data"`
}

type rawPost struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
}

func (c *Channel) handleRaw(ctx context.Context, raw []byte) {
	var event rawEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		slog.Debug("Discarding unparseable event", "error", err)
		return
	}

	switch event.Event {
	case "hello":
		slog.Info("Event stream handshake acknowledged")
		return
	case "posted":
	default:
		return
	}

	// Mattermost double-encodes the post inside the event payload.
	var post rawPost
	if err := json.Unmarshal([]byte(event.Data.Post), &post); err != nil {
		slog.Warn("Discarding posted event with bad payload", "error", err)
		return
	}

	if event.Data.ChannelType != "D" {
		return
	}
	if post.UserID == "" || post.UserID == c.opts.BotUserID {
		return
	}
	if post.Message == "" {
		return
	}
	if c.isDuplicate(post.UserID, post.ID) {
		slog.Debug("Dropping redelivered event", "post_id", post.ID)
		return
	}

	msg := Message{
		UserID:     post.UserID,
		ChannelID:  post.ChannelID,
		Text:       post.Message,
		PostID:     post.ID,
		ReceivedAt: time.Now(),
	}
	if err := c.opts.Sink(ctx, msg); err != nil {
		slog.Error("Sink rejected inbound message",
			"user_id", post.UserID, "error", err)
		// Forget the post id so a redelivery gets another chance.
		c.forget(post.UserID, post.ID)
	}
}

func (c *Channel) isDuplicate(userID, postID string) bool {
	if postID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPost[userID] == postID {
		return true
	}
	c.lastPost[userID] = postID
	return false
}

func (c *Channel) forget(userID, postID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPost[userID] == postID {
		delete(c.lastPost, userID)
	}
}

func (c *Channel) setLive(v bool) {
	c.live.Store(v)
	if c.opts.Metrics != nil {
		if v {
			c.opts.Metrics.ChannelLive.Set(1)
		} else {
			c.opts.Metrics.ChannelLive.Set(0)
		}
	}
}
