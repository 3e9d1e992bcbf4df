// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onebit-support/askbot/services/bot/boterr"
	"github.com/onebit-support/askbot/services/bot/cache"
	"github.com/onebit-support/askbot/services/bot/session"
	"github.com/onebit-support/askbot/services/bot/vault"
	"github.com/onebit-support/askbot/services/chart"
	"github.com/onebit-support/askbot/services/jira"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeTranslator struct {
	jql   string
	err   error
	calls int
}

func (f *fakeTranslator) Translate(_ context.Context, _ string, _ []string) (string, error) {
	f.calls++
	return f.jql, f.err
}

type fakeSearcher struct {
	result   *jira.SearchResult
	errs     []error // consumed per call, nil entries mean success
	calls    int
	lastJQL  string
	lastCred jira.Credentials
}

func (f *fakeSearcher) Search(_ context.Context, cred jira.Credentials, jql string, _ int) (*jira.SearchResult, error) {
	f.calls++
	f.lastJQL = jql
	f.lastCred = cred
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

type fakeCredentials struct {
	cred vault.Credential
	err  error
}

func (f *fakeCredentials) Retrieve(string) (vault.Credential, error) {
	return f.cred, f.err
}

// memGateway is an in-memory cache.Gateway for pipeline tests.
type memGateway struct {
	entries map[string][]byte
}

func newMemGateway() *memGateway {
	return &memGateway{entries: make(map[string][]byte)}
}

func (g *memGateway) Get(ns, fp string) ([]byte, bool) {
	v, ok := g.entries[ns+"/"+fp]
	return v, ok
}

func (g *memGateway) Put(ns, fp string, v []byte, _ time.Duration) error {
	g.entries[ns+"/"+fp] = v
	return nil
}

func (g *memGateway) Invalidate(ns string) error {
	for k := range g.entries {
		if len(k) > len(ns) && k[:len(ns)+1] == ns+"/" {
			delete(g.entries, k)
		}
	}
	return nil
}

func (g *memGateway) Stats() cache.Stats { return cache.Stats{} }

type fakeRenderer struct {
	err   error
	calls int
	hint  string
}

func (f *fakeRenderer) Render(_ []chart.Row, hint string) (chart.Artifact, error) {
	f.calls++
	f.hint = hint
	if f.err != nil {
		return chart.Artifact{}, f.err
	}
	return chart.Artifact{Path: "/tmp/chart.png", URL: "http://bot/charts/chart.png"}, nil
}

type fakeLookup struct{ lines []string }

func (f *fakeLookup) Context(string) []string { return f.lines }

// ============================================================================
// Helpers
// ============================================================================

func sampleResult() *jira.SearchResult {
	return &jira.SearchResult{
		Total: 2,
		Issues: []jira.Issue{
			{Key: "PROJ-1", Summary: "Login fails", Status: "Open", Assignee: "alex"},
			{Key: "PROJ-2", Summary: "Timeout on save", Status: "In Progress"},
		},
	}
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Translator == nil {
		opts.Translator = &fakeTranslator{jql: `project = "PROJ"`}
	}
	if opts.Searcher == nil {
		opts.Searcher = &fakeSearcher{result: sampleResult()}
	}
	if opts.Credentials == nil {
		opts.Credentials = &fakeCredentials{cred: vault.Credential{Username: "alex", Secret: "token"}}
	}
	if opts.Cache == nil {
		opts.Cache = newMemGateway()
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

// ============================================================================
// Tests
// ============================================================================

func TestExecute_FullRun(t *testing.T) {
	translator := &fakeTranslator{jql: `project = "PROJ" AND status = "Open"`}
	searcher := &fakeSearcher{result: sampleResult()}
	p := newTestPipeline(t, Options{Translator: translator, Searcher: searcher})

	resp, err := p.Execute(context.Background(), "user-1", "show open PROJ issues")
	require.NoError(t, err)

	assert.False(t, resp.FromCache)
	assert.Contains(t, resp.Text, "Found 2 issue(s)")
	assert.Contains(t, resp.Text, "PROJ-1")
	assert.Contains(t, resp.Text, "Assignee: alex")
	assert.Equal(t, "PROJ", resp.ProjectHint)
	assert.Equal(t, 1, searcher.calls)
	assert.Equal(t, `project = "PROJ" AND status = "Open"`, searcher.lastJQL)
	assert.Equal(t, "alex", searcher.lastCred.Username)
}

func TestExecute_RepeatQueryServedFromCache(t *testing.T) {
	translator := &fakeTranslator{jql: `project = "PROJ"`}
	searcher := &fakeSearcher{result: sampleResult()}
	p := newTestPipeline(t, Options{Translator: translator, Searcher: searcher})

	_, err := p.Execute(context.Background(), "user-1", "show PROJ issues")
	require.NoError(t, err)
	resp, err := p.Execute(context.Background(), "user-1", "Show  PROJ   issues")
	require.NoError(t, err)

	assert.True(t, resp.FromCache)
	assert.Equal(t, 1, searcher.calls, "second run must not hit the tracker")
	assert.Equal(t, 1, translator.calls, "cache hit skips translation entirely")
	assert.Contains(t, resp.Text, "Found 2 issue(s)")
}

func TestExecute_CacheIsPerUser(t *testing.T) {
	searcher := &fakeSearcher{result: sampleResult()}
	p := newTestPipeline(t, Options{Searcher: searcher})

	_, err := p.Execute(context.Background(), "user-1", "show PROJ issues")
	require.NoError(t, err)
	resp, err := p.Execute(context.Background(), "user-2", "show PROJ issues")
	require.NoError(t, err)

	assert.False(t, resp.FromCache)
	assert.Equal(t, 2, searcher.calls)
}

func TestExecute_TranslationFailure(t *testing.T) {
	translator := &fakeTranslator{err: boterr.New(boterr.KindTranslation, "model returned prose")}
	p := newTestPipeline(t, Options{Translator: translator})

	_, err := p.Execute(context.Background(), "user-1", "gibberish")
	require.Error(t, err)
	assert.Equal(t, boterr.KindTranslation, boterr.KindOf(err))
}

func TestExecute_ValidationRejectsDisallowedQuery(t *testing.T) {
	translator := &fakeTranslator{jql: `secretfield = "x"`}
	searcher := &fakeSearcher{result: sampleResult()}
	p := newTestPipeline(t, Options{Translator: translator, Searcher: searcher})

	_, err := p.Execute(context.Background(), "user-1", "anything")
	require.Error(t, err)
	assert.Equal(t, boterr.KindValidation, boterr.KindOf(err))
	assert.Zero(t, searcher.calls, "rejected query must never reach the tracker")
}

func TestExecute_MissingCredentialAbortsRun(t *testing.T) {
	searcher := &fakeSearcher{result: sampleResult()}
	p := newTestPipeline(t, Options{
		Searcher:    searcher,
		Credentials: &fakeCredentials{err: boterr.ErrCredentialUnavailable},
	})

	_, err := p.Execute(context.Background(), "user-1", "show issues")
	require.Error(t, err)
	assert.Equal(t, boterr.KindVault, boterr.KindOf(err))
	assert.Zero(t, searcher.calls)
}

func TestExecute_TransientSearchRetriedOnce(t *testing.T) {
	transient := boterr.New(boterr.KindTransientUpstream, "jira timed out")
	searcher := &fakeSearcher{result: sampleResult(), errs: []error{transient, nil}}
	p := newTestPipeline(t, Options{Searcher: searcher})

	resp, err := p.Execute(context.Background(), "user-1", "show issues")
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.calls)
	assert.Contains(t, resp.Text, "Found 2 issue(s)")
}

func TestExecute_TransientSearchFailsAfterRetry(t *testing.T) {
	transient := boterr.New(boterr.KindTransientUpstream, "jira timed out")
	searcher := &fakeSearcher{errs: []error{transient, transient}}
	p := newTestPipeline(t, Options{Searcher: searcher})

	_, err := p.Execute(context.Background(), "user-1", "show issues")
	require.Error(t, err)
	assert.Equal(t, boterr.KindTransientUpstream, boterr.KindOf(err))
	assert.Equal(t, 2, searcher.calls)
}

func TestExecute_AuthFailureNotRetried(t *testing.T) {
	searcher := &fakeSearcher{errs: []error{boterr.New(boterr.KindAuthentication, "401")}}
	p := newTestPipeline(t, Options{Searcher: searcher})

	_, err := p.Execute(context.Background(), "user-1", "show issues")
	require.Error(t, err)
	assert.Equal(t, boterr.KindAuthentication, boterr.KindOf(err))
	assert.Equal(t, 1, searcher.calls)
}

func TestExecute_ChartOnRequest(t *testing.T) {
	renderer := &fakeRenderer{}
	p := newTestPipeline(t, Options{Renderer: renderer})

	resp, err := p.Execute(context.Background(), "user-1", "chart of open issues by status")
	require.NoError(t, err)
	assert.Equal(t, 1, renderer.calls)
	assert.Equal(t, "bar", renderer.hint)
	assert.Equal(t, "http://bot/charts/chart.png", resp.ChartURL)
	assert.Contains(t, resp.Text, resp.ChartURL)
}

func TestExecute_PieHint(t *testing.T) {
	renderer := &fakeRenderer{}
	p := newTestPipeline(t, Options{Renderer: renderer})

	_, err := p.Execute(context.Background(), "user-1", "pie of issues by status")
	require.NoError(t, err)
	assert.Equal(t, "pie", renderer.hint)
}

func TestExecute_NoChartWithoutRequest(t *testing.T) {
	renderer := &fakeRenderer{}
	p := newTestPipeline(t, Options{Renderer: renderer})

	resp, err := p.Execute(context.Background(), "user-1", "show open issues")
	require.NoError(t, err)
	assert.Zero(t, renderer.calls)
	assert.Empty(t, resp.ChartURL)
}

func TestExecute_ChartFailureDegradesToText(t *testing.T) {
	renderer := &fakeRenderer{err: boterr.New(boterr.KindRender, "png encode failed")}
	p := newTestPipeline(t, Options{Renderer: renderer})

	resp, err := p.Execute(context.Background(), "user-1", "graph the open issues")
	require.NoError(t, err, "a chart failure must not fail the run")
	assert.Empty(t, resp.ChartURL)
	assert.Contains(t, resp.Text, "Found 2 issue(s)")
}

func TestExecute_EmptyResult(t *testing.T) {
	searcher := &fakeSearcher{result: &jira.SearchResult{}}
	renderer := &fakeRenderer{}
	p := newTestPipeline(t, Options{Searcher: searcher, Renderer: renderer})

	resp, err := p.Execute(context.Background(), "user-1", "chart of nonexistent issues")
	require.NoError(t, err)
	assert.Equal(t, "No issues matched your query.", resp.Text)
	assert.Zero(t, renderer.calls, "nothing to chart")
}

func TestExecute_LookupContextPassedToTranslator(t *testing.T) {
	var seen []string
	translator := translatorFunc(func(_ context.Context, _ string, lines []string) (string, error) {
		seen = lines
		return `project = "ACME"`, nil
	})
	p := newTestPipeline(t, Options{
		Translator: translator,
		Lookup:     &fakeLookup{lines: []string{"Client Acme Corp uses project ACME"}},
	})

	_, err := p.Execute(context.Background(), "user-1", "open acme issues")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0], "ACME")
}

type translatorFunc func(context.Context, string, []string) (string, error)

func (f translatorFunc) Translate(ctx context.Context, text string, lines []string) (string, error) {
	return f(ctx, text, lines)
}

func TestExecute_SessionContextPassedToTranslator(t *testing.T) {
	sessions, err := session.NewStore(nil)
	require.NoError(t, err)
	sessions.Update("user-1", func(s *session.Session) {
		s.Pending.LastQuery = "show open bugs in ACME"
		s.Pending.ProjectHint = "ACME"
	})

	var seen []string
	translator := translatorFunc(func(_ context.Context, _ string, lines []string) (string, error) {
		seen = lines
		return `project = "ACME" AND status = "Open"`, nil
	})
	p := newTestPipeline(t, Options{Translator: translator, Sessions: sessions})

	_, err = p.Execute(context.Background(), "user-1", "only the critical ones")
	require.NoError(t, err)

	joined := strings.Join(seen, "\n")
	assert.Contains(t, joined, "ACME", "project hint must reach the translator")
	assert.Contains(t, joined, "show open bugs in ACME", "prior query must reach the translator")
}

func TestExecute_RepeatedTextNotEchoedAsPriorQuery(t *testing.T) {
	sessions, err := session.NewStore(nil)
	require.NoError(t, err)
	sessions.Update("user-1", func(s *session.Session) {
		s.Pending.LastQuery = "show open bugs"
	})

	var seen []string
	translator := translatorFunc(func(_ context.Context, _ string, lines []string) (string, error) {
		seen = lines
		return `project = "PROJ"`, nil
	})
	p := newTestPipeline(t, Options{Translator: translator, Sessions: sessions})

	_, err = p.Execute(context.Background(), "user-1", "show open bugs")
	require.NoError(t, err)
	assert.Empty(t, seen, "the current question is not its own context")
}

func TestFormatResult_TruncatesLongLists(t *testing.T) {
	result := &jira.SearchResult{Total: 25}
	for i := 0; i < 25; i++ {
		result.Issues = append(result.Issues, jira.Issue{
			Key: "PROJ-" + string(rune('A'+i)), Summary: "x", Status: "Open",
		})
	}
	text := formatResult(result, "")
	assert.Contains(t, text, "… and 15 more")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
