// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mattermost is the chat-platform adapter.
//
// It wraps the two REST primitives the core needs (resolve the bot user,
// send a direct message) and derives the websocket endpoint used by the
// ingestion channel. Everything else about the platform is out of scope.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

// Poster is the outbound reply sink consumed by the core.
type Poster interface {
	// SendDirectMessage delivers markdown text to the user's DM channel
	// with the bot.
	SendDirectMessage(ctx context.Context, userID, text string) error
}

// BotUser identifies the bot account on the platform.
type BotUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Client talks to the Mattermost REST API with the bot token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	mu       sync.Mutex
	botID    string
	channels map[string]string // userID → DM channel id
}

// NewClient creates a REST client for the instance at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: timeout},
		channels: make(map[string]string),
	}
}

// WebSocketURL derives the event-stream endpoint from the REST base URL.
func (c *Client) WebSocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("mattermost: invalid base URL %q", c.baseURL)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/v4/websocket", scheme, u.Host), nil
}

// Token returns the bot token, used by the ingestion channel handshake.
func (c *Client) Token() string { return c.token }

// Me resolves and caches the bot's own user record.
func (c *Client) Me(ctx context.Context) (BotUser, error) {
	c.mu.Lock()
	cached := c.botID
	c.mu.Unlock()
	if cached != "" {
		return BotUser{ID: cached}, nil
	}

	var me BotUser
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/users/me", nil, &me); err != nil {
		return BotUser{}, err
	}
	c.mu.Lock()
	c.botID = me.ID
	c.mu.Unlock()
	return me, nil
}

// SendDirectMessage implements Poster. The DM channel for each user is
// resolved once and cached for the process lifetime.
func (c *Client) SendDirectMessage(ctx context.Context, userID, text string) error {
	channelID, err := c.directChannel(ctx, userID)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"channel_id": channelID,
		"message":    text,
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v4/posts", payload, nil)
}

func (c *Client) directChannel(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	if id, ok := c.channels[userID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	me, err := c.Me(ctx)
	if err != nil {
		return "", err
	}

	var channel struct {
		ID string `json:"id"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/api/v4/channels/direct",
		[]string{me.ID, userID}, &channel)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.channels[userID] = channel.ID
	c.mu.Unlock()
	return channel.ID, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("mattermost: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return boterr.Wrap(boterr.KindTransientUpstream, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return boterr.Wrap(boterr.KindTransientUpstream, "Mattermost request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return boterr.New(boterr.KindTransientUpstream,
			fmt.Sprintf("Mattermost responded %d on %s", resp.StatusCode, path))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return boterr.Wrap(boterr.KindTransientUpstream, "decode response", err)
	}
	return nil
}
