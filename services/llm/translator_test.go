// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

// fakeClient returns a canned completion or error.
type fakeClient struct {
	response string
	err      error
	prompt   string
}

func (f *fakeClient) Generate(_ context.Context, _ string, prompt string, _ GenerationParams) (string, error) {
	f.prompt = prompt
	return f.response, f.err
}

func TestCleanJQLResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "plain query untouched",
			raw:  `project = "PROJ" AND status = "Open"`,
			want: `project = "PROJ" AND status = "Open"`,
		},
		{
			name: "think tags stripped",
			raw:  "<think>the user wants bugs</think>\nproject = \"PROJ\" AND issuetype = Bug",
			want: `project = "PROJ" AND issuetype = Bug`,
		},
		{
			name: "code fence unwrapped",
			raw:  "```jql\nproject = \"PROJ\"\n```",
			want: `project = "PROJ"`,
		},
		{
			name: "label prefix removed",
			raw:  `JQL: assignee = currentUser() AND status = "Open"`,
			want: `assignee = currentUser() AND status = "Open"`,
		},
		{
			name: "first line wins",
			raw:  "project = \"PROJ\"\nThis query finds all issues.",
			want: `project = "PROJ"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJQLResponse(tt.raw))
		})
	}
}

func TestLooksLikeJQL(t *testing.T) {
	assert.True(t, LooksLikeJQL(`project = "PROJ" AND status = "Open"`))
	assert.True(t, LooksLikeJQL(`assignee = currentUser()`))
	assert.False(t, LooksLikeJQL("Okay, let's figure out what the user wants"))
	assert.False(t, LooksLikeJQL(""))
	assert.False(t, LooksLikeJQL(strings.Repeat("project = P AND ", 40)))
}

func TestJQLTranslator_Translate(t *testing.T) {
	client := &fakeClient{response: "```\nproject = \"PROJ\" AND issuetype = Bug\n```"}
	tr := NewJQLTranslator(client)

	jql, err := tr.Translate(context.Background(), "show bugs in PROJ",
		[]string{`known project keys: PROJ, OPS`})
	require.NoError(t, err)
	assert.Equal(t, `project = "PROJ" AND issuetype = Bug`, jql)
	assert.Contains(t, client.prompt, "known project keys")
	assert.Contains(t, client.prompt, "show bugs in PROJ")
}

func TestJQLTranslator_BackendFailure(t *testing.T) {
	tr := NewJQLTranslator(&fakeClient{err: errors.New("connection refused")})

	_, err := tr.Translate(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.Equal(t, boterr.KindTranslation, boterr.KindOf(err))
}

func TestJQLTranslator_UnusableOutput(t *testing.T) {
	tr := NewJQLTranslator(&fakeClient{response: "I am not sure what you mean, sorry."})

	_, err := tr.Translate(context.Background(), "mumble", nil)
	require.Error(t, err)
	assert.Equal(t, boterr.KindTranslation, boterr.KindOf(err))
}
