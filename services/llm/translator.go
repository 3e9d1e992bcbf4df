// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

const jqlSystemPrompt = `You translate a user's question about their issue tracker into a single JQL query.
Respond with ONLY the JQL, no explanation, no code fences.

Rules:
- Use double quotes around values containing spaces.
- Use relative dates like -7d, -30d, startOfMonth() where the question implies a period.
- "my"/"mine" means assignee = currentUser().
- If the question names a project key, filter on it with project = "KEY".
- Never invent project keys or usernames that are not in the provided context.

STRICT: answer with JQL only.`

// maxJQLLength bounds accepted translations; anything longer is almost
// certainly prose, not a query.
const maxJQLLength = 300

var (
	thinkTagRe  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFenceRe = regexp.MustCompile("(?s)```(?:jql|sql)?\\s*(.*?)```")
)

// JQLTranslator turns free text into JQL through an LLMClient.
//
// A failed or unusable translation surfaces as a TranslationError; the
// pipeline answers with a clarification request and does not retry.
type JQLTranslator struct {
	client LLMClient
}

// NewJQLTranslator wraps client.
func NewJQLTranslator(client LLMClient) *JQLTranslator {
	return &JQLTranslator{client: client}
}

// Translate implements Translator.
func (t *JQLTranslator) Translate(ctx context.Context, text string, contextLines []string) (string, error) {
	var prompt strings.Builder
	if len(contextLines) > 0 {
		prompt.WriteString("Context:\n")
		for _, line := range contextLines {
			prompt.WriteString("- ")
			prompt.WriteString(line)
			prompt.WriteString("\n")
		}
		prompt.WriteString("\n")
	}
	prompt.WriteString("Question: ")
	prompt.WriteString(strings.TrimSpace(text))
	prompt.WriteString("\n\nJQL:")

	temp := float32(0.1)
	maxTokens := 256
	raw, err := t.client.Generate(ctx, jqlSystemPrompt, prompt.String(), GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", boterr.Wrap(boterr.KindTranslation, "language model call failed", err)
	}

	jql := CleanJQLResponse(raw)
	if !LooksLikeJQL(jql) {
		slog.Warn("Translator produced unusable output", "length", len(jql))
		return "", boterr.New(boterr.KindTranslation, "no usable query produced")
	}
	return jql, nil
}

// CleanJQLResponse strips reasoning tags, code fences, and label prefixes
// that chat models wrap around the query. Quotes are preserved: they are
// significant in JQL values.
func CleanJQLResponse(raw string) string {
	s := thinkTagRe.ReplaceAllString(raw, "")
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"jql:", "JQL:", "Query:", "query:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	// Models occasionally answer across several lines; the query is
	// always the first non-empty one once wrapping is removed.
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// LooksLikeJQL is a cheap plausibility check applied before the strict
// allow-list validation in the pipeline: the text must mention at least
// one JQL construct, contain no conversational filler, and be short.
func LooksLikeJQL(jql string) bool {
	lower := strings.ToLower(strings.TrimSpace(jql))
	if len(lower) < 5 || len(lower) > maxJQLLength {
		return false
	}
	for _, filler := range []string{"okay", "let's", "i think", "the user", "first,", "sorry"} {
		if strings.Contains(lower, filler) {
			return false
		}
	}
	for _, kw := range []string{"project", "created", "status", "assignee", "reporter", "=", ">=", "<=", "~", " in "} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
