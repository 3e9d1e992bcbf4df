// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline turns an authenticated user's free-text question into
// a reply.
//
// # Description
//
// One Execute call runs the full sequence: fingerprint → cache lookup →
// LLM translation → allow-list validation → tracker search → cache store
// → optional chart → response assembly. Each network-bound step is a
// suspension point bounded by the request context.
//
// Partial failures degrade: a chart failure still yields the text reply,
// a translation failure yields a clarification request. Only vault and
// authentication failures abort the run, because the caller must reset
// the session before anything else can happen.
//
// # Thread Safety
//
// Pipeline is stateless between runs and safe for concurrent use; the
// per-user ordering guarantee comes from the conversation lanes, not
// from here.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onebit-support/askbot/services/bot/boterr"
	"github.com/onebit-support/askbot/services/bot/cache"
	"github.com/onebit-support/askbot/services/bot/observability"
	"github.com/onebit-support/askbot/services/bot/session"
	"github.com/onebit-support/askbot/services/bot/vault"
	"github.com/onebit-support/askbot/services/chart"
	"github.com/onebit-support/askbot/services/jira"
	"github.com/onebit-support/askbot/services/llm"
)

// CredentialSource yields the vaulted credential for a user.
type CredentialSource interface {
	Retrieve(userID string) (vault.Credential, error)
}

// Searcher is the slice of the tracker adapter the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, cred jira.Credentials, jql string, maxResults int) (*jira.SearchResult, error)
}

// ContextLookup supplies extra translation context for a question.
// Pluggable: the mappings store implements it today, a semantic
// retriever could tomorrow.
type ContextLookup interface {
	Context(text string) []string
}

// SessionReader exposes the pending conversation context the dispatcher
// records after each run (prior query, working project).
type SessionReader interface {
	Get(userID string) session.Session
}

// Response is the artifact a pipeline run hands back to the state machine.
type Response struct {
	Text        string
	ChartURL    string
	ProjectHint string
	FromCache   bool
}

// Options wires a Pipeline.
type Options struct {
	Translator  llm.Translator
	Searcher    Searcher
	Credentials CredentialSource
	Cache       cache.Gateway
	Renderer    chart.Renderer // nil disables charts
	Lookup      ContextLookup  // nil disables mapping context
	Sessions    SessionReader  // nil disables conversation context
	Metrics     *observability.Metrics

	// MaxResults caps one tracker search. Zero means 50.
	MaxResults int

	// CacheTTL for stored results. Zero uses the gateway default.
	CacheTTL time.Duration
}

// Pipeline executes query runs.
type Pipeline struct {
	opts   Options
	tracer trace.Tracer
}

// New validates the required collaborators and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Translator == nil || opts.Searcher == nil || opts.Credentials == nil || opts.Cache == nil {
		return nil, fmt.Errorf("pipeline: translator, searcher, credentials and cache are required")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 50
	}
	return &Pipeline{
		opts:   opts,
		tracer: otel.Tracer("askbot/pipeline"),
	}, nil
}

// queryRequest is the ephemeral record of one run, used for the audit
// log line at the end.
type queryRequest struct {
	userID  string
	text    string
	jql     string
	total   int
	hit     bool
	started time.Time
}

// Execute runs the query pipeline for one user message.
//
// Errors carry a boterr kind; the caller maps KindAuthentication and
// KindVault to a session reset, everything else to a reply.
func (p *Pipeline) Execute(ctx context.Context, userID, text string) (Response, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	req := &queryRequest{userID: userID, text: text, started: time.Now()}
	resp, err := p.run(ctx, req)

	elapsed := time.Since(req.started)
	outcome := "ok"
	if err != nil {
		outcome = boterr.KindOf(err).String()
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.PipelineDuration.Observe(elapsed.Seconds())
		p.opts.Metrics.PipelineTotal.WithLabelValues(outcome).Inc()
	}
	slog.Info("Query pipeline finished",
		"user_id", userID,
		"cache_hit", req.hit,
		"total", req.total,
		"elapsed_ms", elapsed.Milliseconds(),
		"outcome", outcome)
	return resp, err
}

func (p *Pipeline) run(ctx context.Context, req *queryRequest) (Response, error) {
	fingerprint := cache.Fingerprint(req.text)

	// Step 1: cache lookup.
	result, hit := p.cachedResult(req.userID, fingerprint)
	req.hit = hit

	if !hit {
		// Step 2: translation. Not retried; a bad translation becomes a
		// clarification request upstream.
		contextLines := p.contextLines(req.userID, req.text)
		jql, err := p.opts.Translator.Translate(ctx, req.text, contextLines)
		if err != nil {
			return Response{}, err
		}
		req.jql = jql

		// Step 3: allow-list validation, before anything leaves the process.
		if err := ValidateJQL(jql); err != nil {
			return Response{}, err
		}

		// Step 4: tracker search with the vaulted credential.
		cred, err := p.opts.Credentials.Retrieve(req.userID)
		if err != nil {
			return Response{}, err
		}
		result, err = p.search(ctx, cred, jql)
		if err != nil {
			return Response{}, err
		}

		// Step 5: store for the TTL window.
		p.storeResult(req.userID, fingerprint, result)
	}
	req.total = result.Total

	// Step 6: optional chart; failure degrades to text.
	chartURL := p.maybeChart(ctx, req, result)

	// Step 7: assemble.
	return Response{
		Text:        formatResult(result, chartURL),
		ChartURL:    chartURL,
		ProjectHint: projectHint(result),
		FromCache:   hit,
	}, nil
}

// search performs the tracker call, retrying once on a transient failure.
func (p *Pipeline) search(ctx context.Context, cred vault.Credential, jql string) (*jira.SearchResult, error) {
	jcred := jira.Credentials{Username: cred.Username, Secret: cred.Secret}
	result, err := p.opts.Searcher.Search(ctx, jcred, jql, p.opts.MaxResults)
	if err != nil && boterr.IsKind(err, boterr.KindTransientUpstream) && ctx.Err() == nil {
		slog.Warn("Tracker search failed, retrying once", "error", err)
		result, err = p.opts.Searcher.Search(ctx, jcred, jql, p.opts.MaxResults)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// contextLines gathers the translation context: the conversation's
// pending state first, then the taught mappings.
func (p *Pipeline) contextLines(userID, text string) []string {
	var lines []string
	if p.opts.Sessions != nil {
		pending := p.opts.Sessions.Get(userID).Pending
		if pending.ProjectHint != "" {
			lines = append(lines, "The user's current Jira project is "+pending.ProjectHint+".")
		}
		if pending.LastQuery != "" && pending.LastQuery != text {
			lines = append(lines, "Previous question: "+pending.LastQuery)
		}
	}
	if p.opts.Lookup != nil {
		lines = append(lines, p.opts.Lookup.Context(text)...)
	}
	return lines
}

func (p *Pipeline) cachedResult(userID, fingerprint string) (*jira.SearchResult, bool) {
	raw, ok := p.opts.Cache.Get(userID, fingerprint)
	if p.opts.Metrics != nil {
		if ok {
			p.opts.Metrics.CacheHitsTotal.Inc()
		} else {
			p.opts.Metrics.CacheMissesTotal.Inc()
		}
	}
	if !ok {
		return nil, false
	}
	var result jira.SearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// A corrupt entry behaves like a miss.
		return nil, false
	}
	return &result, true
}

func (p *Pipeline) storeResult(userID, fingerprint string, result *jira.SearchResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := p.opts.Cache.Put(userID, fingerprint, raw, p.opts.CacheTTL); err != nil {
		slog.Warn("Cache store failed", "error", err)
	}
}

// chartHints maps request keywords to a renderer hint.
var chartHints = []struct{ keyword, hint string }{
	{"pie", "pie"},
	{"distribution", "pie"},
	{"chart", "bar"},
	{"graph", "bar"},
	{"plot", "bar"},
	{"visuali", "bar"}, // visualize / visualization
	{"breakdown", "bar"},
}

// wantsChart reports the chart hint implied by the request text, or "".
func wantsChart(text string) string {
	lower := strings.ToLower(text)
	for _, h := range chartHints {
		if strings.Contains(lower, h.keyword) {
			return h.hint
		}
	}
	return ""
}

func (p *Pipeline) maybeChart(ctx context.Context, req *queryRequest, result *jira.SearchResult) string {
	hint := wantsChart(req.text)
	if hint == "" || p.opts.Renderer == nil || len(result.Issues) == 0 {
		return ""
	}
	_, span := p.tracer.Start(ctx, "pipeline.chart")
	defer span.End()

	artifact, err := p.opts.Renderer.Render(statusRows(result), hint)
	if err != nil {
		// RenderError by contract: degrade to a text-only reply.
		slog.Warn("Chart rendering failed, degrading to text",
			"user_id", req.userID, "error", err)
		return ""
	}
	return artifact.URL
}

// statusRows groups issues by status for charting.
func statusRows(result *jira.SearchResult) []chart.Row {
	counts := make(map[string]int)
	for _, issue := range result.Issues {
		counts[issue.Status]++
	}
	rows := make([]chart.Row, 0, len(counts))
	for status, n := range counts {
		rows = append(rows, chart.Row{Label: status, Value: float64(n)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Label < rows[j].Label })
	return rows
}

// projectHint extracts a project key from the first issue key (PROJ-17
// → PROJ) for follow-up translation context.
func projectHint(result *jira.SearchResult) string {
	if len(result.Issues) == 0 {
		return ""
	}
	key := result.Issues[0].Key
	if idx := strings.IndexByte(key, '-'); idx > 0 {
		return key[:idx]
	}
	return ""
}

// formatResult renders the user-facing markdown summary.
func formatResult(result *jira.SearchResult, chartURL string) string {
	if result.Total == 0 || len(result.Issues) == 0 {
		return "No issues matched your query."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Found %d issue(s):**\n\n", result.Total)
	shown := result.Issues
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, issue := range shown {
		fmt.Fprintf(&b, "• **%s** — %s\n  Status: %s", issue.Key, issue.Summary, issue.Status)
		if issue.Assignee != "" {
			fmt.Fprintf(&b, ", Assignee: %s", issue.Assignee)
		}
		b.WriteString("\n\n")
	}
	if result.Total > len(shown) {
		fmt.Fprintf(&b, "… and %d more\n", result.Total-len(shown))
	}
	if chartURL != "" {
		fmt.Fprintf(&b, "\n📊 [Open visualization](%s)", chartURL)
	}
	return strings.TrimRight(b.String(), "\n")
}
