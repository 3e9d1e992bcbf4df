// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation is the state machine between the ingest channel
// and the query pipeline.
//
// # Description
//
// Every inbound direct message lands in Handle, which resolves the
// user's session state, classifies the message, and either runs a
// command handler or forwards free text to the pipeline. The reply is
// always a direct message back to the same user.
//
// The per-user lanes in lanes.go guarantee that Handle sees one
// user's messages strictly in arrival order; Handle itself never
// needs to lock session state.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/onebit-support/askbot/services/bot/boterr"
	"github.com/onebit-support/askbot/services/bot/cache"
	"github.com/onebit-support/askbot/services/bot/mappings"
	"github.com/onebit-support/askbot/services/bot/pipeline"
	"github.com/onebit-support/askbot/services/bot/session"
	"github.com/onebit-support/askbot/services/bot/vault"
	"github.com/onebit-support/askbot/services/jira"
)

// QueryRunner is the pipeline surface the dispatcher drives.
type QueryRunner interface {
	Execute(ctx context.Context, userID, text string) (pipeline.Response, error)
}

// CredentialWriter is the vault surface the dispatcher needs: storing a
// verified credential and dropping it on reset.
type CredentialWriter interface {
	Store(userID string, cred vault.Credential) error
	Delete(userID string) error
}

// Verifier checks a credential against the tracker and lists projects.
type Verifier interface {
	Authenticate(ctx context.Context, cred jira.Credentials) error
	Projects(ctx context.Context, cred jira.Credentials) ([]jira.Project, error)
}

// Replier sends the outbound direct message.
type Replier interface {
	SendDirectMessage(ctx context.Context, userID, text string) error
}

// MappingStore is the teach/list surface of the mappings package.
type MappingStore interface {
	SaveClientProject(client, projectKey string) error
	SaveUserName(displayName, username string) error
	ClientProjects() (map[string]string, error)
	UserNames() (map[string]string, error)
}

// Options wires a Dispatcher.
type Options struct {
	Sessions    *session.Store
	Vault       CredentialWriter
	Credentials pipeline.CredentialSource
	Tracker     Verifier
	Runner      QueryRunner
	Cache       cache.Gateway
	Mappings    MappingStore
	Replier     Replier

	// MaxAuthAttempts bounds failed credential submissions before the
	// session resets to Unauthenticated. Zero means 3.
	MaxAuthAttempts int
}

// Dispatcher applies the conversation state machine to one message at a
// time per user.
type Dispatcher struct {
	opts Options
}

// NewDispatcher validates the wiring and returns a Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Sessions == nil, opts.Vault == nil, opts.Credentials == nil,
		opts.Tracker == nil, opts.Runner == nil, opts.Cache == nil,
		opts.Replier == nil:
		return nil, fmt.Errorf("conversation: sessions, vault, credentials, tracker, runner, cache and replier are required")
	}
	if opts.MaxAuthAttempts <= 0 {
		opts.MaxAuthAttempts = 3
	}
	return &Dispatcher{opts: opts}, nil
}

// Handle processes one inbound message and sends exactly one reply.
// The returned error reports reply-delivery failure only; every
// processing outcome, including pipeline errors, becomes reply text.
func (d *Dispatcher) Handle(ctx context.Context, userID, text string) error {
	sess := d.opts.Sessions.Get(userID)
	cmd := ParseCommand(text)

	var reply string
	switch sess.State {
	case session.StateAwaitingCredentials:
		reply = d.handleAwaiting(ctx, userID, cmd)
	case session.StateAuthenticated:
		reply = d.handleAuthenticated(ctx, userID, cmd)
	default:
		reply = d.handleUnauthenticated(ctx, userID, cmd)
	}

	if reply == "" {
		return nil
	}
	return d.opts.Replier.SendDirectMessage(ctx, userID, reply)
}

// ============================================================================
// Per-state handlers
// ============================================================================

func (d *Dispatcher) handleUnauthenticated(ctx context.Context, userID string, cmd Command) string {
	switch cmd.Kind {
	case CmdHelp:
		return helpText
	case CmdAuth:
		if len(cmd.Args) >= 2 {
			return d.verifyCredentials(ctx, userID, cmd.Args[0], strings.Join(cmd.Args[1:], " "))
		}
		d.opts.Sessions.Transition(userID, session.StateAwaitingCredentials)
		return "Please send your Jira credentials as `<username> <api-token>`. " +
			"The token is stored encrypted and never echoed back."
	case CmdStatus:
		return d.statusText(userID)
	default:
		return "Authentication required. Send `auth <username> <api-token>` to connect your Jira account, or `help` for details."
	}
}

func (d *Dispatcher) handleAwaiting(ctx context.Context, userID string, cmd Command) string {
	// The next message is the credential pair, whatever its first word
	// is; "auth user token" is tolerated too.
	args := strings.Fields(cmd.Text)
	if cmd.Kind == CmdAuth {
		args = cmd.Args
	}
	if len(args) < 2 {
		return d.recordFailedAttempt(userID,
			"That doesn't look like `<username> <api-token>`. Try again.")
	}
	return d.verifyCredentials(ctx, userID, args[0], strings.Join(args[1:], " "))
}

func (d *Dispatcher) handleAuthenticated(ctx context.Context, userID string, cmd Command) string {
	switch cmd.Kind {
	case CmdHelp:
		return helpText
	case CmdStatus:
		return d.statusText(userID)
	case CmdProjects:
		return d.projectsText(ctx, userID)
	case CmdAuth:
		if len(cmd.Args) >= 2 {
			return d.verifyCredentials(ctx, userID, cmd.Args[0], strings.Join(cmd.Args[1:], " "))
		}
		d.opts.Sessions.Transition(userID, session.StateAwaitingCredentials)
		return "Send the new credentials as `<username> <api-token>`."
	case CmdCacheClear:
		return d.clearCache(userID)
	case CmdCacheStats:
		return d.cacheStatsText()
	case CmdTeach:
		return d.teach(cmd.Args)
	case CmdMappings:
		return d.mappingsText()
	case CmdRefresh:
		return d.refresh(ctx, userID)
	default:
		return d.runQuery(ctx, userID, cmd.Text)
	}
}

// ============================================================================
// Authentication
// ============================================================================

func (d *Dispatcher) verifyCredentials(ctx context.Context, userID, username, secret string) string {
	err := d.opts.Tracker.Authenticate(ctx, jira.Credentials{Username: username, Secret: secret})
	if err != nil {
		if boterr.IsKind(err, boterr.KindTransientUpstream) {
			return "Jira is not reachable right now; your credentials were not checked. Try again in a moment."
		}
		slog.Info("Credential verification failed", "user_id", userID)
		return d.recordFailedAttempt(userID, "Invalid credentials, try again.")
	}

	if err := d.opts.Vault.Store(userID, vault.Credential{Username: username, Secret: secret}); err != nil {
		slog.Error("Vault store failed", "user_id", userID, "error", err)
		d.opts.Sessions.Transition(userID, session.StateUnauthenticated)
		return "Your credentials verified but could not be stored. Please try `auth` again."
	}

	d.opts.Sessions.Transition(userID, session.StateAuthenticated)
	slog.Info("User authenticated", "user_id", userID)
	return fmt.Sprintf("Authenticated as **%s**. Ask me something, or send `help`.", username)
}

// recordFailedAttempt bumps the attempt counter while awaiting
// credentials and resets the session once the cap is reached.
func (d *Dispatcher) recordFailedAttempt(userID, retryMsg string) string {
	sess := d.opts.Sessions.Get(userID)
	if sess.State != session.StateAwaitingCredentials {
		// Inline "auth user secret" from Unauthenticated or
		// Authenticated: no counter to advance.
		return retryMsg
	}

	sess = d.opts.Sessions.Update(userID, func(s *session.Session) {
		s.Pending.AuthAttempts++
	})
	if sess.Pending.AuthAttempts >= d.opts.MaxAuthAttempts {
		d.opts.Sessions.Transition(userID, session.StateUnauthenticated)
		return "Too many failed attempts. Send `auth` to start over."
	}
	remaining := d.opts.MaxAuthAttempts - sess.Pending.AuthAttempts
	return fmt.Sprintf("%s (%d attempt(s) left)", retryMsg, remaining)
}

// ============================================================================
// Commands
// ============================================================================

func (d *Dispatcher) statusText(userID string) string {
	sess := d.opts.Sessions.Get(userID)
	stats := d.opts.Cache.Stats()
	var b strings.Builder
	b.WriteString("**Session status**\n\n")
	fmt.Fprintf(&b, "• State: %s\n", sess.State)
	if sess.Pending.LastQuery != "" {
		fmt.Fprintf(&b, "• Last query: %s\n", sess.Pending.LastQuery)
	}
	if sess.Pending.ProjectHint != "" {
		fmt.Fprintf(&b, "• Working project: %s\n", sess.Pending.ProjectHint)
	}
	fmt.Fprintf(&b, "• Cache: %d entries, %.0f%% hit rate\n", stats.Entries, stats.HitRate())
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) projectsText(ctx context.Context, userID string) string {
	cred, err := d.opts.Credentials.Retrieve(userID)
	if err != nil {
		return d.resetForVault(userID)
	}
	projects, err := d.opts.Tracker.Projects(ctx, jira.Credentials{Username: cred.Username, Secret: cred.Secret})
	if err != nil {
		if boterr.IsKind(err, boterr.KindAuthentication) {
			return d.resetForAuth(userID)
		}
		return "Could not list projects right now. Try again in a moment."
	}
	if len(projects) == 0 {
		return "No projects are visible to your account."
	}
	var b strings.Builder
	b.WriteString("**Projects you can query:**\n\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "• **%s** — %s\n", p.Key, p.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) clearCache(userID string) string {
	if err := d.opts.Cache.Invalidate(userID); err != nil {
		slog.Warn("Cache invalidation failed", "user_id", userID, "error", err)
		return "Could not clear your cache. Try again in a moment."
	}
	return "Your cached query results were cleared."
}

func (d *Dispatcher) cacheStatsText() string {
	stats := d.opts.Cache.Stats()
	return fmt.Sprintf("**Cache**: %d entries, %d hits, %d misses (%.0f%% hit rate)",
		stats.Entries, stats.Hits, stats.Misses, stats.HitRate())
}

func (d *Dispatcher) teach(args []string) string {
	if d.opts.Mappings == nil {
		return "Mappings are not enabled on this bot."
	}
	usage := "Usage: `teach client <name> <project-key>` or `teach user <display-name> <username>`"
	if len(args) < 3 {
		return usage
	}
	name := strings.Join(args[1:len(args)-1], " ")
	target := args[len(args)-1]
	var err error
	switch strings.ToLower(args[0]) {
	case "client":
		err = d.opts.Mappings.SaveClientProject(name, target)
	case "user":
		err = d.opts.Mappings.SaveUserName(name, target)
	default:
		return usage
	}
	if err != nil {
		slog.Warn("Mapping save failed", "error", err)
		return "Could not save that mapping. Try again in a moment."
	}
	return fmt.Sprintf("Learned: **%s** → **%s**", name, target)
}

func (d *Dispatcher) mappingsText() string {
	if d.opts.Mappings == nil {
		return "Mappings are not enabled on this bot."
	}
	clients, err := d.opts.Mappings.ClientProjects()
	if err != nil {
		return "Could not read mappings. Try again in a moment."
	}
	users, err := d.opts.Mappings.UserNames()
	if err != nil {
		return "Could not read mappings. Try again in a moment."
	}
	if len(clients) == 0 && len(users) == 0 {
		return "Nothing taught yet. Use `teach` to add mappings."
	}
	var b strings.Builder
	b.WriteString("**Taught mappings**\n")
	writeSorted(&b, "\nClients → projects:\n", clients)
	writeSorted(&b, "\nPeople → usernames:\n", users)
	return strings.TrimRight(b.String(), "\n")
}

func writeSorted(b *strings.Builder, header string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString(header)
	for _, k := range keys {
		fmt.Fprintf(b, "• %s → %s\n", k, m[k])
	}
}

// refresh clears the user's cache and re-verifies tracker access with
// the vaulted credential.
func (d *Dispatcher) refresh(ctx context.Context, userID string) string {
	if err := d.opts.Cache.Invalidate(userID); err != nil {
		slog.Warn("Cache invalidation failed", "user_id", userID, "error", err)
	}
	cred, err := d.opts.Credentials.Retrieve(userID)
	if err != nil {
		return d.resetForVault(userID)
	}
	if err := d.opts.Tracker.Authenticate(ctx, jira.Credentials{Username: cred.Username, Secret: cred.Secret}); err != nil {
		if boterr.IsKind(err, boterr.KindAuthentication) {
			return d.resetForAuth(userID)
		}
		return "Cache cleared, but Jira is not reachable right now."
	}
	return "Cache cleared and Jira access re-verified."
}

// ============================================================================
// Free text
// ============================================================================

func (d *Dispatcher) runQuery(ctx context.Context, userID, text string) string {
	resp, err := d.opts.Runner.Execute(ctx, userID, text)
	if err != nil {
		return d.replyForError(userID, err)
	}

	d.opts.Sessions.Update(userID, func(s *session.Session) {
		s.Pending.LastQuery = text
		if resp.ProjectHint != "" {
			s.Pending.ProjectHint = resp.ProjectHint
		}
	})
	return resp.Text
}

// replyForError maps the error taxonomy to a user-facing reply and the
// state-reset policy. Only vault failures are operational alerts.
func (d *Dispatcher) replyForError(userID string, err error) string {
	switch boterr.KindOf(err) {
	case boterr.KindVault:
		slog.Error("Credential vault failure", "user_id", userID, "error", err)
		return d.resetForVault(userID)
	case boterr.KindAuthentication:
		return d.resetForAuth(userID)
	case boterr.KindTranslation:
		return "I couldn't turn that into a Jira query. Try rephrasing, for example `show open bugs in PROJ`."
	case boterr.KindValidation:
		return "The generated query used fields I don't allow, so I didn't run it. Try rephrasing with project, status, assignee or dates."
	case boterr.KindTransientUpstream:
		return "Jira didn't answer in time. Try again in a moment."
	default:
		slog.Warn("Query pipeline failed", "user_id", userID, "error", err)
		return "Something went wrong handling that. Try again, or send `help`."
	}
}

func (d *Dispatcher) resetForVault(userID string) string {
	if err := d.opts.Vault.Delete(userID); err != nil {
		slog.Warn("Vault delete failed", "user_id", userID, "error", err)
	}
	d.opts.Sessions.Transition(userID, session.StateUnauthenticated)
	return "Your stored credentials are no longer usable. Send `auth <username> <api-token>` to reconnect."
}

func (d *Dispatcher) resetForAuth(userID string) string {
	d.opts.Sessions.Transition(userID, session.StateUnauthenticated)
	return "Jira rejected your credentials. Send `auth <username> <api-token>` to re-authenticate."
}

var _ MappingStore = (*mappings.Store)(nil)
