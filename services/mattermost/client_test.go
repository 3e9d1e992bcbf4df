// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mattermost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_WebSocketURL(t *testing.T) {
	c := NewClient("https://chat.example.com", "tok", time.Second)
	u, err := c.WebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/api/v4/websocket", u)

	c = NewClient("http://localhost:8065", "tok", time.Second)
	u, err = c.WebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8065/api/v4/websocket", u)
}

func TestClient_SendDirectMessageResolvesChannelOnce(t *testing.T) {
	var directCalls atomic.Int32
	var posted []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bot-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/v4/users/me":
			_, _ = w.Write([]byte(`{"id":"bot-id","username":"askbot"}`))
		case "/api/v4/channels/direct":
			directCalls.Add(1)
			var members []string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&members))
			assert.ElementsMatch(t, []string{"bot-id", "user-1"}, members)
			_, _ = w.Write([]byte(`{"id":"dm-channel-1"}`))
		case "/api/v4/posts":
			var post map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&post))
			assert.Equal(t, "dm-channel-1", post["channel_id"])
			posted = append(posted, post["message"])
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bot-token", time.Second)
	ctx := context.Background()

	require.NoError(t, c.SendDirectMessage(ctx, "user-1", "hello"))
	require.NoError(t, c.SendDirectMessage(ctx, "user-1", "again"))

	assert.Equal(t, int32(1), directCalls.Load(), "DM channel must be cached")
	assert.Equal(t, []string{"hello", "again"}, posted)
}
