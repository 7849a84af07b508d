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

package tpm2

import (
	"encoding/binary"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// A sealed seed blob is the TPM2B-marshalled private area followed by
// the TPM2B-marshalled public area of the KeyedHash child:
//
//	<2-byte private size><private data><2-byte public size><public data>
//
// Both halves are length-prefixed, so the blob is self-delimiting and
// stores as a single opaque column.

// encodeSealedSeed packs the Create response blobs into one byte slice.
func encodeSealedSeed(private tpm2.TPM2BPrivate, public tpm2.TPM2BPublic) []byte {
	blob := tpm2.Marshal(private)
	return append(blob, tpm2.Marshal(public)...)
}

// decodeSealedSeed splits and unmarshals a sealed seed blob. Truncated
// or trailing bytes are ErrInvalidSealedSeed.
func decodeSealedSeed(blob []byte) (*tpm2.TPM2BPrivate, *tpm2.TPM2BPublic, error) {
	if len(blob) < 4 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrInvalidSealedSeed, len(blob))
	}

	privateSize := int(binary.BigEndian.Uint16(blob[:2]))
	if len(blob) < 2+privateSize+2 {
		return nil, nil, fmt.Errorf("%w: truncated private area", ErrInvalidSealedSeed)
	}

	private, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](blob[:2+privateSize])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSealedSeed, err)
	}

	rest := blob[2+privateSize:]
	publicSize := int(binary.BigEndian.Uint16(rest[:2]))
	if len(rest) != 2+publicSize {
		return nil, nil, fmt.Errorf("%w: truncated public area", ErrInvalidSealedSeed)
	}

	public, err := tpm2.Unmarshal[tpm2.TPM2BPublic](rest)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSealedSeed, err)
	}

	return private, public, nil
}
