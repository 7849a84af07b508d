// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-totpm.
//
// go-totpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package fprintd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status  string
		want    outcome
		wantErr bool
	}{
		{"verify-match", outcomeMatch, false},
		{"verify-no-match", outcomeNoMatch, false},
		{"verify-retry-scan", outcomeWait, false},
		{"verify-swipe-too-short", outcomeWait, false},
		{"verify-finger-not-centered", outcomeWait, false},
		{"verify-remove-and-retry", outcomeWait, false},
		{"verify-disconnected", outcomeFailure, true},
		{"verify-unknown-error", outcomeFailure, true},
		{"verify-gibberish", outcomeFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, err := classifyStatus(tt.status)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyStatusBody(t *testing.T) {
	status, ok := verifyStatusBody([]interface{}{"verify-match", true})
	assert.True(t, ok)
	assert.Equal(t, "verify-match", status)

	_, ok = verifyStatusBody([]interface{}{})
	assert.False(t, ok)

	_, ok = verifyStatusBody([]interface{}{42, true})
	assert.False(t, ok)
}

func TestNewAppliesDefaultTimeout(t *testing.T) {
	v := New(0, nil)
	assert.Equal(t, DefaultTimeout, v.timeout)

	v = New(3*time.Second, nil)
	assert.Equal(t, 3*time.Second, v.timeout)
}
