// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package jira is the issue-tracker adapter.
//
// It exposes the three primitives the core needs (authenticate, search,
// list projects) over the Jira REST API and maps upstream failures onto
// the shared error taxonomy: 401/403 become AuthenticationError, network
// failures and 5xx become TransientUpstreamError. The secret in a
// Credentials pair may be a personal access token (sent as Bearer) or a
// password (sent as Basic); the client tries Bearer first and falls back.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

// Credentials is a Jira login pair.
type Credentials struct {
	Username string
	Secret   string
}

// Issue is the subset of issue fields the bot renders.
type Issue struct {
	Key      string
	Summary  string
	Status   string
	Assignee string
	Priority string
	Type     string
}

// SearchResult is one page of a JQL search.
type SearchResult struct {
	Total  int
	Issues []Issue
}

// Project is a Jira project reference.
type Project struct {
	Key  string
	Name string
}

// Client is the adapter contract consumed by the core. The REST
// implementation below is the only production implementation; tests
// inject fakes.
type Client interface {
	// Authenticate verifies the credentials against the tracker.
	Authenticate(ctx context.Context, cred Credentials) error

	// Search executes a validated JQL query.
	Search(ctx context.Context, cred Credentials, jql string, maxResults int) (*SearchResult, error)

	// Projects lists projects visible to the credentials.
	Projects(ctx context.Context, cred Credentials) ([]Project, error)
}

// RESTClient talks to a Jira server or cloud instance.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient creates a client for the Jira instance at baseURL.
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Authenticate implements Client via GET /rest/api/2/myself.
func (c *RESTClient) Authenticate(ctx context.Context, cred Credentials) error {
	body, err := c.get(ctx, cred, "/rest/api/2/myself", nil)
	if err != nil {
		return err
	}
	var me struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return boterr.Wrap(boterr.KindTransientUpstream, "decode myself response", err)
	}
	return nil
}

// Search implements Client via GET /rest/api/2/search.
func (c *RESTClient) Search(ctx context.Context, cred Credentials, jql string, maxResults int) (*SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 50
	}
	params := url.Values{
		"jql":        {jql},
		"maxResults": {strconv.Itoa(maxResults)},
		"fields":     {"summary,status,assignee,priority,issuetype"},
	}
	body, err := c.get(ctx, cred, "/rest/api/2/search", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Total  int `json:"total"`
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Summary string `json:"summary"`
				Status  struct {
					Name string `json:"name"`
				} `json:"status"`
				Assignee *struct {
					DisplayName string `json:"displayName"`
				} `json:"assignee"`
				Priority *struct {
					Name string `json:"name"`
				} `json:"priority"`
				IssueType struct {
					Name string `json:"name"`
				} `json:"issuetype"`
			} `json:"fields"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, boterr.Wrap(boterr.KindTransientUpstream, "decode search response", err)
	}

	result := &SearchResult{Total: raw.Total}
	for _, ri := range raw.Issues {
		issue := Issue{
			Key:     ri.Key,
			Summary: ri.Fields.Summary,
			Status:  ri.Fields.Status.Name,
			Type:    ri.Fields.IssueType.Name,
		}
		if ri.Fields.Assignee != nil {
			issue.Assignee = ri.Fields.Assignee.DisplayName
		}
		if ri.Fields.Priority != nil {
			issue.Priority = ri.Fields.Priority.Name
		}
		result.Issues = append(result.Issues, issue)
	}
	return result, nil
}

// Projects implements Client via GET /rest/api/2/project.
func (c *RESTClient) Projects(ctx context.Context, cred Credentials) ([]Project, error) {
	body, err := c.get(ctx, cred, "/rest/api/2/project", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, boterr.Wrap(boterr.KindTransientUpstream, "decode projects response", err)
	}
	projects := make([]Project, 0, len(raw))
	for _, p := range raw {
		projects = append(projects, Project{Key: p.Key, Name: p.Name})
	}
	return projects, nil
}

// get performs an authenticated GET, trying Bearer first and Basic on 401.
func (c *RESTClient) get(ctx context.Context, cred Credentials, path string, params url.Values) ([]byte, error) {
	body, status, err := c.do(ctx, cred, path, params, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		body, status, err = c.do(ctx, cred, path, params, false)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, boterr.New(boterr.KindAuthentication, "credentials rejected by Jira")
	case status >= 500:
		return nil, boterr.New(boterr.KindTransientUpstream,
			fmt.Sprintf("Jira responded %d", status))
	case status >= 400:
		return nil, boterr.New(boterr.KindTransientUpstream,
			fmt.Sprintf("Jira request failed with %d", status))
	}
	return body, nil
}

func (c *RESTClient) do(ctx context.Context, cred Credentials, path string, params url.Values, bearer bool) ([]byte, int, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, boterr.Wrap(boterr.KindTransientUpstream, "build Jira request", err)
	}
	if bearer {
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
	} else {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, boterr.Wrap(boterr.KindTransientUpstream, "Jira request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, boterr.Wrap(boterr.KindTransientUpstream, "read Jira response", err)
	}
	return body, resp.StatusCode, nil
}
