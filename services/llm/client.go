// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the language-model adapter.
//
// It exposes a backend-neutral LLMClient for raw completions and a
// Translator that turns natural-language questions into JQL on top of it.
// The backend is treated as unreliable and possibly slow; every call is
// bounded by the caller's context.
package llm

import "context"

// GenerationParams tunes a single completion request. Nil fields keep the
// backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, systemPrompt, prompt string, params GenerationParams) (string, error)
}

// Translator converts free text into a structured query, given extra
// context lines (known project keys, taught mappings, the prior query).
type Translator interface {
	Translate(ctx context.Context, text string, contextLines []string) (string, error)
}
