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

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-totpm/pkg/logging"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		input   string
		want    Method
		wantErr bool
	}{
		{"none", MethodNone, false},
		{"fprintd", MethodFprintd, false},
		{"", "", true},
		{"fingerprint", "", true},
		{"NONE", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMethod(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownMethod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifyConst(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Verify(ctx, Const(true)))
	assert.ErrorIs(t, Verify(ctx, Const(false)), ErrDenied)
}

type errVerifier struct{}

func (errVerifier) OwnerPresent(context.Context) (bool, error) {
	return false, assert.AnError
}

func TestVerifyFoldsErrorsIntoDenied(t *testing.T) {
	// Infrastructure faults fail closed like a rejection.
	err := Verify(context.Background(), errVerifier{})
	assert.ErrorIs(t, err, ErrDenied)
}

func TestNewVerifier(t *testing.T) {
	logger := logging.NewLogger(false)

	v, err := NewVerifier(MethodNone, 0, logger)
	require.NoError(t, err)
	assert.Equal(t, Const(true), v)

	v, err = NewVerifier(MethodFprintd, 5*time.Second, logger)
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = NewVerifier(Method("bogus"), 0, logger)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
