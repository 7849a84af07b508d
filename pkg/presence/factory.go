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
	"time"

	"github.com/jeremyhahn/go-totpm/pkg/logging"
	"github.com/jeremyhahn/go-totpm/pkg/presence/fprintd"
)

// NewVerifier builds the configured strategy. The returned Verifier is
// fixed for the process lifetime.
func NewVerifier(method Method, timeout time.Duration, logger *logging.Logger) (Verifier, error) {
	switch method {
	case MethodNone:
		return Const(true), nil
	case MethodFprintd:
		return fprintd.New(timeout, logger), nil
	default:
		_, err := ParseMethod(string(method))
		return nil, err
	}
}

// Verify interface compliance at compile time
var _ Verifier = (*fprintd.Verifier)(nil)
