// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package boterr defines the error taxonomy shared by the bot core.
//
// # Description
//
// Every failure the core can observe falls into one of six kinds. The kind
// decides two things: what the user sees, and whether the session survives.
// Only VaultError and ingestion-channel failures are operational alerts;
// everything else is translated into a chat reply and the session remains
// usable. No error kind ever terminates the process.
//
// # Kinds
//
//   - KindTransientUpstream: network/timeout talking to an upstream.
//     Retried at most once per pipeline step, never across steps.
//   - KindAuthentication: Jira rejected the credential. Session resets to
//     Unauthenticated and the user is prompted to re-authenticate.
//   - KindTranslation: the LLM produced no usable structured query. The
//     user gets a clarification request; not retried automatically.
//   - KindValidation: the structured query failed the allow-list. Rejected
//     with a user-facing message, never forwarded upstream.
//   - KindRender: the chart step failed. Silently degrades to text.
//   - KindVault: encrypt/decrypt failure. Forces re-authentication and
//     never exposes cipher details to the user.
package boterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientUpstream
	KindAuthentication
	KindTranslation
	KindValidation
	KindRender
	KindVault
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransientUpstream:
		return "TransientUpstreamError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindTranslation:
		return "TranslationError"
	case KindValidation:
		return "ValidationError"
	case KindRender:
		return "RenderError"
	case KindVault:
		return "VaultError"
	default:
		return "UnknownError"
	}
}

// Error is a classified error with an optional wrapped cause.
//
// The Msg field is safe to show to the user. The wrapped cause is for
// logs only and may contain upstream detail.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a classified error around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the taxonomy kind from any error chain.
//
// Returns KindUnknown if no *Error is found in the chain.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ErrCredentialUnavailable is the typed condition surfaced by the vault
// when a credential is missing or can no longer be decrypted (for example
// after a secret rotation). Callers must treat it as KindVault and force
// the session back to Unauthenticated.
var ErrCredentialUnavailable = &Error{
	Kind: KindVault,
	Msg:  "credential unavailable",
}
