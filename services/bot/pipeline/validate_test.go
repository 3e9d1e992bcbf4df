// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

func TestValidateJQL_Allowed(t *testing.T) {
	queries := []string{
		`project = "PROJ"`,
		`project = "PROJ" AND status = "Open"`,
		`assignee = currentUser()`,
		`assignee = currentUser() AND status != "Done"`,
		`status in ("Open", "In Progress")`,
		`status not in ("Closed", "Resolved")`,
		`assignee is EMPTY`,
		`resolution is not EMPTY`,
		`created >= -7d`,
		`created >= startOfWeek() order by created desc`,
		`summary ~ "login failure" AND priority = High`,
		`(project = "A" OR project = "B") AND updated > -30d`,
		`duedate <= endOfMonth() ORDER BY duedate ASC`,
		`labels in (backend, urgent)`,
	}
	for _, q := range queries {
		assert.NoError(t, ValidateJQL(q), "query: %s", q)
	}
}

func TestValidateJQL_Rejected(t *testing.T) {
	tests := []struct {
		name string
		jql  string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"unknown field", `secretfield = "x"`},
		{"unknown function", `assignee = adminUser()`},
		{"unterminated quote", `project = "PROJ`},
		{"unexpected character", `project = "A"; DROP TABLE issues`},
		{"unbalanced parens", `(project = "A" AND status = "Open"`},
		{"stray close paren", `project = "A")`},
		{"bare operator run", `project == "A"`},
		{"prose response", `Sure! Here is the JQL you asked for about open bugs`},
		{"too long", `project = "` + strings.Repeat("A", 600) + `"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateJQL(tc.jql)
			require.Error(t, err)
			assert.Equal(t, boterr.KindValidation, boterr.KindOf(err))
		})
	}
}

func TestValidateJQL_FieldCaseInsensitive(t *testing.T) {
	assert.NoError(t, ValidateJQL(`PROJECT = "PROJ" AND Status = "Open"`))
}

func TestTokenizeJQL_RelativeDates(t *testing.T) {
	tokens, err := tokenizeJQL(`created >= -7d AND updated <= -1w`)
	require.NoError(t, err)
	var words []string
	for _, tok := range tokens {
		words = append(words, tok.text)
	}
	assert.Contains(t, words, "-7d")
	assert.Contains(t, words, "-1w")
}
