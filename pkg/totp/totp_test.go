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

package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"testing"
	"time"

	potp "github.com/pquerna/otp"
	ptotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 Appendix B, SHA-1 rows. Seed is the ASCII bytes of
// "12345678901234567890", codes are 8 digits.
func TestFromSeedRFC6238Vectors(t *testing.T) {
	seed := []byte("12345678901234567890")

	tests := []struct {
		unix int64
		want string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}

	for _, tt := range tests {
		got, err := FromSeed(seed, time.Unix(tt.unix, 0), 8, 30)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "T=%d", tt.unix)
	}
}

// RFC 4226 Appendix D truncation vectors, exercising Code over digests
// computed the same way the TPM computes them.
func TestCodeRFC4226Vectors(t *testing.T) {
	seed := []byte("12345678901234567890")

	want := []string{
		"755224", "287082", "359152", "969429", "338314",
		"254676", "287922", "162583", "399871", "520489",
	}

	for counter, expected := range want {
		msg := make([]byte, 8)
		binary.BigEndian.PutUint64(msg, uint64(counter))
		mac := hmac.New(sha1.New, seed)
		mac.Write(msg)

		got, err := Code(mac.Sum(nil), 6)
		require.NoError(t, err)
		assert.Equal(t, expected, got, "counter=%d", counter)
	}
}

// The documented acceptance seed: NBSWY3DPNBSWY3DP is base32 for
// "hellohello". Cross-checked bit-for-bit against the pquerna/otp
// reference implementation.
func TestFromSeedMatchesReference(t *testing.T) {
	const encoded = "NBSWY3DPNBSWY3DP"

	seed, err := DecodeSeed(encoded)
	require.NoError(t, err)
	require.Equal(t, []byte("hellohello"), seed)

	times := []time.Time{
		time.Unix(0, 0),
		time.Unix(59, 0),
		time.Unix(1111111111, 0),
		time.Unix(1756100000, 0),
	}

	for _, at := range times {
		for _, digits := range []uint32{6, 7, 8} {
			want, err := ptotp.GenerateCodeCustom(encoded, at, ptotp.ValidateOpts{
				Period:    30,
				Digits:    potp.Digits(digits),
				Algorithm: potp.AlgorithmSHA1,
			})
			require.NoError(t, err)

			got, err := FromSeed(seed, at, digits, 30)
			require.NoError(t, err)
			assert.Equal(t, want, got, "t=%d digits=%d", at.Unix(), digits)
		}
	}
}

func TestCounter(t *testing.T) {
	tests := []struct {
		name   string
		unix   int64
		period uint32
		want   uint64
	}{
		{"first step", 29, 30, 0},
		{"step boundary", 30, 30, 1},
		{"rfc instant", 59, 30, 1},
		{"sixty second period", 119, 60, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Counter(time.Unix(tt.unix, 0), tt.period))
		})
	}
}

func TestCounterBytes(t *testing.T) {
	msg := CounterBytes(time.Unix(59, 0), 30)
	require.Len(t, msg, 8)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, msg)
}

func TestCodeRejectsBadInput(t *testing.T) {
	digest := make([]byte, 20)

	_, err := Code(digest, 0)
	assert.ErrorIs(t, err, ErrInvalidDigits)

	_, err = Code(digest, 10)
	assert.ErrorIs(t, err, ErrInvalidDigits)

	_, err = Code([]byte{1, 2}, 6)
	assert.ErrorIs(t, err, ErrShortDigest)

	// Offset nibble pointing past the end of a short digest
	bad := []byte{0, 0, 0, 0, 0x0f}
	_, err = Code(bad, 6)
	assert.ErrorIs(t, err, ErrShortDigest)
}

func TestFromSeedRejectsZeroPeriod(t *testing.T) {
	_, err := FromSeed([]byte("hellohello"), time.Unix(59, 0), 6, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestDecodeSeed(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{
			name:  "canonical upper case",
			input: "NBSWY3DPNBSWY3DP",
			want:  []byte("hellohello"),
		},
		{
			name:  "lower case accepted",
			input: "nbswy3dpnbswy3dp",
			want:  []byte("hellohello"),
		},
		{
			name:  "padding stripped",
			input: "MZXW6===",
			want:  []byte("foo"),
		},
		{
			name:  "surrounding whitespace",
			input: "  NBSWY3DPNBSWY3DP\n",
			want:  []byte("hellohello"),
		},
		{
			name:    "illegal characters",
			input:   "NBSW!3DP",
			wantErr: true,
		},
		{
			name:    "base32 alphabet excludes 0 and 1",
			input:   "NBSW01DP",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSeed(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
