// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

// The validator accepts only queries built from allow-listed fields,
// operators, and functions. A translated query that mentions anything
// else is rejected before it reaches the issue tracker; the model output
// is never trusted.

// maxJQLLength bounds a translated query; anything longer is almost
// certainly prose, not JQL.
const maxJQLLength = 512

var allowedFields = map[string]bool{
	"project": true, "status": true, "assignee": true, "reporter": true,
	"priority": true, "issuetype": true, "created": true, "updated": true,
	"resolved": true, "resolution": true, "summary": true, "description": true,
	"labels": true, "sprint": true, "duedate": true, "component": true,
	"fixversion": true,
}

var allowedKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"empty": true, "null": true, "order": true, "by": true,
	"asc": true, "desc": true,
}

var allowedFunctions = map[string]bool{
	"currentuser": true, "now": true, "startofday": true, "startofweek": true,
	"startofmonth": true, "endofday": true, "endofweek": true, "endofmonth": true,
}

var allowedOperators = map[string]bool{
	"=": true, "!=": true, "~": true, "!~": true,
	">": true, ">=": true, "<": true, "<=": true,
}

// ValidateJQL checks jql against the allow-list. The check is lexical:
// every bare word must be a known field, keyword, or function, every
// operator must be allowed, and quoting must be balanced. Values are
// unconstrained only inside quotes or directly after an operator.
func ValidateJQL(jql string) error {
	if len(jql) > maxJQLLength {
		return boterr.New(boterr.KindValidation, "query is too long")
	}
	tokens, err := tokenizeJQL(jql)
	if err != nil {
		return boterr.Wrap(boterr.KindValidation, "malformed query", err)
	}
	if len(tokens) == 0 {
		return boterr.New(boterr.KindValidation, "empty query")
	}

	// expectValue is true right after an operator or inside an in-list,
	// where arbitrary bare words (project keys, usernames) are fine.
	expectValue := false
	inList := 0
	depth := 0

	for i, tok := range tokens {
		switch tok.kind {
		case tokString, tokNumber:
			expectValue = false

		case tokOperator:
			if !allowedOperators[tok.text] {
				return boterr.New(boterr.KindValidation,
					fmt.Sprintf("operator %q is not allowed", tok.text))
			}
			expectValue = true

		case tokLParen:
			depth++
			if i > 0 && tokens[i-1].kind == tokWord &&
				allowedFunctions[strings.ToLower(tokens[i-1].text)] {
				// Function call: the name was validated already.
				continue
			}
			if expectValue {
				inList++
			}

		case tokRParen:
			depth--
			if depth < 0 {
				return boterr.New(boterr.KindValidation, "unbalanced parentheses")
			}
			if inList > 0 {
				inList--
			}
			expectValue = false

		case tokComma:
			if inList == 0 {
				return boterr.New(boterr.KindValidation, "unexpected comma")
			}

		case tokWord:
			lower := strings.ToLower(tok.text)
			next := tokenKind(tokens, i+1)
			if next == tokLParen && !allowedKeywords[lower] {
				// A word directly before "(" is a function call.
				if !allowedFunctions[lower] {
					return boterr.New(boterr.KindValidation,
						fmt.Sprintf("function %q is not allowed", tok.text))
				}
				expectValue = false
				continue
			}
			switch {
			case expectValue || inList > 0:
				// Bare value after an operator or inside a list.
				if allowedKeywords[lower] {
					// "is EMPTY", "in (...)", "not in" keep value mode.
					continue
				}
				expectValue = false
			case allowedFields[lower]:
				expectValue = false
			case allowedKeywords[lower]:
				if lower == "is" || lower == "in" {
					expectValue = true
				}
			default:
				return boterr.New(boterr.KindValidation,
					fmt.Sprintf("field %q is not allowed", tok.text))
			}
		}
	}

	if inList > 0 || depth != 0 {
		return boterr.New(boterr.KindValidation, "unbalanced parentheses")
	}
	return nil
}

type tokKind int

const (
	tokWord tokKind = iota
	tokString
	tokNumber
	tokOperator
	tokLParen
	tokRParen
	tokComma
)

type jqlToken struct {
	kind tokKind
	text string
}

func tokenKind(tokens []jqlToken, i int) tokKind {
	if i >= len(tokens) {
		return -1
	}
	return tokens[i].kind
}

// tokenizeJQL splits a query into words, quoted strings, numbers,
// operators, and punctuation. Unbalanced quotes are an error.
func tokenizeJQL(jql string) ([]jqlToken, error) {
	var tokens []jqlToken
	runes := []rune(strings.TrimSpace(jql))

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '"' || r == '\'':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated quote")
			}
			tokens = append(tokens, jqlToken{tokString, string(runes[i+1 : j])})
			i = j + 1

		case r == '(':
			tokens = append(tokens, jqlToken{tokLParen, "("})
			i++

		case r == ')':
			tokens = append(tokens, jqlToken{tokRParen, ")"})
			i++

		case r == ',':
			tokens = append(tokens, jqlToken{tokComma, ","})
			i++

		case strings.ContainsRune("=!~<>", r):
			j := i
			for j < len(runes) && strings.ContainsRune("=!~<>", runes[j]) {
				j++
			}
			tokens = append(tokens, jqlToken{tokOperator, string(runes[i:j])})
			i = j

		case unicode.IsDigit(r) || r == '-':
			// Numbers and relative dates like -7d or 2024-01-01.
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '-' ||
				runes[j] == ':' || runes[j] == '/' || unicode.IsLetter(runes[j])) {
				j++
			}
			tokens = append(tokens, jqlToken{tokNumber, string(runes[i:j])})
			i = j

		default:
			if !unicode.IsLetter(r) && r != '_' {
				return nil, fmt.Errorf("unexpected character %q", r)
			}
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) ||
				runes[j] == '_' || runes[j] == '.' || runes[j] == '@') {
				j++
			}
			tokens = append(tokens, jqlToken{tokWord, string(runes[i:j])})
			i = j
		}
	}
	return tokens, nil
}
