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
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-totpm/internal/password"
)

// seedTemplate is the KeyedHash child a TOTP seed is sealed into. The
// seed is the HMAC key; SensitiveDataOrigin stays clear because the
// caller provides the key material. RFC 6238 default is HMAC-SHA-1.
func seedTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgKeyedHash,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:     true,
			FixedParent:  true,
			UserWithAuth: true,
			SignEncrypt:  true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgKeyedHash,
			&tpm2.TPMSKeyedHashParms{
				Scheme: tpm2.TPMTKeyedHashScheme{
					Scheme: tpm2.TPMAlgHMAC,
					Details: tpm2.NewTPMUSchemeKeyedHash(
						tpm2.TPMAlgHMAC,
						&tpm2.TPMSSchemeHMAC{
							HashAlg: tpm2.TPMAlgSHA1,
						},
					),
				},
			},
		),
	}
}

// SeedHandle references a sealed seed loaded into the TPM as a
// transient object. The seed itself never leaves the TPM; the handle is
// only good for HMAC until flushed or the connection resets.
type SeedHandle struct {
	handle tpm2.TPMHandle
	name   tpm2.TPM2BName
}

// SealSeed wraps a plaintext TOTP seed into a sealed blob under the
// persistent primary key. The parent is authorized with the unlock
// secret installed via SetAuth. The returned blob is opaque to every
// other component and only this TPM can unwrap it.
func (b *Broker) SealSeed(handle uint32, seed []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(seed) == 0 {
		return nil, errors.New("tpm2: cannot seal an empty seed")
	}

	auth := b.authBytes()
	defer password.Wipe(auth)

	var blob []byte
	err := b.exec("seal seed", func(tpm transport.TPM) error {
		parent, err := b.primaryHandle(tpm, handle)
		if err != nil {
			return err
		}

		createRsp, err := tpm2.Create{
			ParentHandle: tpm2.AuthHandle{
				Handle: parent.Handle,
				Name:   parent.Name,
				Auth:   tpm2.PasswordAuth(auth),
			},
			InPublic: tpm2.New2B(seedTemplate()),
			InSensitive: tpm2.TPM2BSensitiveCreate{
				Sensitive: &tpm2.TPMSSensitiveCreate{
					Data: tpm2.NewTPMUSensitiveCreate(
						&tpm2.TPM2BSensitiveData{Buffer: seed},
					),
				},
			},
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("sealing seed: %w", err)
		}

		blob = encodeSealedSeed(createRsp.OutPrivate, createRsp.OutPublic)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// LoadSeed loads a sealed seed into the TPM and returns its transient
// handle. This is the unseal operation: the unsealed form exists only
// as a TPM-resident object, never as host memory. Callers flush the
// handle with FlushSeed when done.
func (b *Broker) LoadSeed(handle uint32, sealed []byte) (*SeedHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	private, public, err := decodeSealedSeed(sealed)
	if err != nil {
		return nil, err
	}

	auth := b.authBytes()
	defer password.Wipe(auth)

	var seed *SeedHandle
	err = b.exec("load seed", func(tpm transport.TPM) error {
		parent, err := b.primaryHandle(tpm, handle)
		if err != nil {
			return err
		}

		loadRsp, err := tpm2.Load{
			ParentHandle: tpm2.AuthHandle{
				Handle: parent.Handle,
				Name:   parent.Name,
				Auth:   tpm2.PasswordAuth(auth),
			},
			InPrivate: *private,
			InPublic:  *public,
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("loading sealed seed: %w", err)
		}

		seed = &SeedHandle{handle: loadRsp.ObjectHandle, name: loadRsp.Name}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seed, nil
}

// HMAC asks the TPM to compute HMAC-SHA-1 over msg with a loaded seed.
// The seed object carries no authorization of its own; access control
// happened when the parent authorized the load.
func (b *Broker) HMAC(seed *SeedHandle, msg []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seed == nil {
		return nil, errors.New("tpm2: nil seed handle")
	}

	var digest []byte
	err := b.exec("hmac", func(tpm transport.TPM) error {
		hmacRsp, err := tpm2.Hmac{
			Handle: tpm2.AuthHandle{
				Handle: seed.handle,
				Name:   seed.name,
				Auth:   tpm2.PasswordAuth(nil),
			},
			Buffer:  tpm2.TPM2BMaxBuffer{Buffer: msg},
			HashAlg: tpm2.TPMAlgSHA1,
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("computing HMAC: %w", err)
		}
		digest = hmacRsp.OutHMAC.Buffer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// FlushSeed releases a loaded seed's transient handle.
func (b *Broker) FlushSeed(seed *SeedHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seed == nil {
		return nil
	}
	return b.exec("flush seed", func(tpm transport.TPM) error {
		if _, err := (tpm2.FlushContext{FlushHandle: seed.handle}).Execute(tpm); err != nil {
			return fmt.Errorf("flushing seed handle: %w", err)
		}
		return nil
	})
}

// GenerateDigest loads a sealed seed, computes HMAC-SHA-1 over msg and
// flushes the transient handle, all as one atomic broker operation.
// This is the whole TPM side of code generation: msg is the 8-byte
// big-endian TOTP counter and the result is the digest the truncation
// step turns into a code.
func (b *Broker) GenerateDigest(handle uint32, sealed, msg []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	private, public, err := decodeSealedSeed(sealed)
	if err != nil {
		return nil, err
	}

	auth := b.authBytes()
	defer password.Wipe(auth)

	var digest []byte
	err = b.exec("generate digest", func(tpm transport.TPM) error {
		parent, err := b.primaryHandle(tpm, handle)
		if err != nil {
			return err
		}

		loadRsp, err := tpm2.Load{
			ParentHandle: tpm2.AuthHandle{
				Handle: parent.Handle,
				Name:   parent.Name,
				Auth:   tpm2.PasswordAuth(auth),
			},
			InPrivate: *private,
			InPublic:  *public,
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("loading sealed seed: %w", err)
		}
		defer func() {
			_, _ = tpm2.FlushContext{FlushHandle: loadRsp.ObjectHandle}.Execute(tpm)
		}()

		hmacRsp, err := tpm2.Hmac{
			Handle: tpm2.AuthHandle{
				Handle: loadRsp.ObjectHandle,
				Name:   loadRsp.Name,
				Auth:   tpm2.PasswordAuth(nil),
			},
			Buffer:  tpm2.TPM2BMaxBuffer{Buffer: msg},
			HashAlg: tpm2.TPMAlgSHA1,
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("computing HMAC: %w", err)
		}

		digest = hmacRsp.OutHMAC.Buffer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digest, nil
}
