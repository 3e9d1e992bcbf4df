// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package boterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := New(KindAuthentication, "401 from tracker")
	wrapped := fmt.Errorf("search step: %w", base)

	assert.Equal(t, KindAuthentication, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindAuthentication))
	assert.False(t, IsKind(wrapped, KindVault))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransientUpstream, "jira unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TransientUpstreamError")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCredentialUnavailableIsVaultKind(t *testing.T) {
	assert.Equal(t, KindVault, KindOf(ErrCredentialUnavailable))
}

func TestKindStrings(t *testing.T) {
	kinds := map[Kind]string{
		KindTransientUpstream: "TransientUpstreamError",
		KindAuthentication:    "AuthenticationError",
		KindTranslation:       "TranslationError",
		KindValidation:        "ValidationError",
		KindRender:            "RenderError",
		KindVault:             "VaultError",
		KindUnknown:           "UnknownError",
	}
	for kind, want := range kinds {
		assert.Equal(t, want, kind.String())
	}
}
