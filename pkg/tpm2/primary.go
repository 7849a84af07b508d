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
	"crypto/rand"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-totpm/internal/password"
)

// Owner-hierarchy persistent handle range probed for a free slot.
const (
	persistentHandleFirst = uint32(0x81000000)
	persistentHandleLast  = uint32(0x8100FFFF)
)

// primaryTemplate is the storage parent every seed is sealed under: a
// restricted AES-256-CFB symmetric decryption key. UserWithAuth makes
// the unlock secret the sole authorization path.
func primaryTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgSymCipher,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			Restricted:          true,
			Decrypt:             true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgSymCipher,
			&tpm2.TPMSSymCipherParms{
				Sym: tpm2.TPMTSymDefObject{
					Algorithm: tpm2.TPMAlgAES,
					KeyBits: tpm2.NewTPMUSymKeyBits(
						tpm2.TPMAlgAES,
						tpm2.TPMKeyBits(256),
					),
					Mode: tpm2.NewTPMUSymMode(
						tpm2.TPMAlgAES,
						tpm2.TPMAlgCFB,
					),
				},
			},
		),
	}
}

// ProvisionPrimary creates the primary key in the owner hierarchy,
// authorized by the unlock secret installed via SetAuth, and persists
// it at the first free handle in the owner range. The transient handle
// is flushed once persisted. Returns the persistent handle value.
//
// The template is salted with 32 bytes of caller entropy so the key
// cannot be re-derived from the hierarchy seed and template alone.
func (b *Broker) ProvisionPrimary() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	auth := b.authBytes()
	defer password.Wipe(auth)

	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return 0, fmt.Errorf("tpm2: generating primary entropy: %w", err)
	}
	defer password.Wipe(entropy)

	var persistent uint32
	err := b.exec("provision primary", func(tpm transport.TPM) error {
		createRsp, err := tpm2.CreatePrimary{
			PrimaryHandle: tpm2.AuthHandle{
				Handle: tpm2.TPMRHOwner,
				Auth:   tpm2.PasswordAuth(nil),
			},
			InPublic: tpm2.New2B(primaryTemplate()),
			InSensitive: tpm2.TPM2BSensitiveCreate{
				Sensitive: &tpm2.TPMSSensitiveCreate{
					UserAuth: tpm2.TPM2BAuth{Buffer: auth},
					Data: tpm2.NewTPMUSensitiveCreate(
						&tpm2.TPM2BSensitiveData{Buffer: entropy},
					),
				},
			},
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("creating primary key: %w", err)
		}
		defer func() {
			_, _ = tpm2.FlushContext{FlushHandle: createRsp.ObjectHandle}.Execute(tpm)
		}()

		handle, err := findFreePersistentHandle(tpm)
		if err != nil {
			return err
		}

		_, err = tpm2.EvictControl{
			Auth: tpm2.TPMRHOwner,
			ObjectHandle: &tpm2.NamedHandle{
				Handle: createRsp.ObjectHandle,
				Name:   createRsp.Name,
			},
			PersistentHandle: handle,
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("persisting primary key: %w", err)
		}

		persistent = uint32(handle)
		b.primaries[persistent] = createRsp.Name
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.logger.Debugf("tpm2: primary key persisted at 0x%08x", persistent)
	return persistent, nil
}

// DestroyPrimary evicts the persistent primary key. Idempotent: a
// vacant handle is success, so clear can always run to completion.
func (b *Broker) DestroyPrimary(handle uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.exec("destroy primary", func(tpm transport.TPM) error {
		readRsp, err := tpm2.ReadPublic{
			ObjectHandle: tpm2.TPMHandle(handle),
		}.Execute(tpm)
		if err != nil {
			if isHandleVacant(err) {
				return nil
			}
			return fmt.Errorf("reading primary key 0x%08x: %w", handle, err)
		}

		_, err = tpm2.EvictControl{
			Auth: tpm2.TPMRHOwner,
			ObjectHandle: &tpm2.NamedHandle{
				Handle: tpm2.TPMHandle(handle),
				Name:   readRsp.Name,
			},
			PersistentHandle: tpm2.TPMHandle(handle),
		}.Execute(tpm)
		if err != nil {
			return fmt.Errorf("evicting primary key 0x%08x: %w", handle, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(b.primaries, handle)
	return nil
}

// primaryHandle resolves a persistent handle value into a NamedHandle
// usable as a parent in Create and Load, reading the public area once
// and caching the name.
//
// Callers hold b.mu.
func (b *Broker) primaryHandle(tpm transport.TPM, handle uint32) (*tpm2.NamedHandle, error) {
	if name, ok := b.primaries[handle]; ok {
		return &tpm2.NamedHandle{Handle: tpm2.TPMHandle(handle), Name: name}, nil
	}

	readRsp, err := tpm2.ReadPublic{
		ObjectHandle: tpm2.TPMHandle(handle),
	}.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("reading primary key 0x%08x: %w", handle, err)
	}

	b.primaries[handle] = readRsp.Name
	return &tpm2.NamedHandle{Handle: tpm2.TPMHandle(handle), Name: readRsp.Name}, nil
}

// findFreePersistentHandle walks the in-use owner persistent handles,
// which GetCapability returns in ascending order, and picks the first
// gap in the range.
func findFreePersistentHandle(tpm transport.TPM) (tpm2.TPMHandle, error) {
	candidate := persistentHandleFirst
	property := persistentHandleFirst

	for {
		capRsp, err := tpm2.GetCapability{
			Capability:    tpm2.TPMCapHandles,
			Property:      property,
			PropertyCount: 64,
		}.Execute(tpm)
		if err != nil {
			return 0, fmt.Errorf("querying persistent handles: %w", err)
		}

		handles, err := capRsp.CapabilityData.Data.Handles()
		if err != nil {
			return 0, fmt.Errorf("parsing persistent handles: %w", err)
		}

		for _, h := range handles.Handle {
			switch {
			case uint32(h) > persistentHandleLast:
				return tpm2.TPMHandle(candidate), nil
			case uint32(h) == candidate:
				candidate++
			case uint32(h) > candidate:
				return tpm2.TPMHandle(candidate), nil
			}
		}

		if candidate > persistentHandleLast {
			return 0, ErrNoFreePersistentHandle
		}
		if !bool(capRsp.MoreData) || len(handles.Handle) == 0 {
			return tpm2.TPMHandle(candidate), nil
		}
		property = uint32(handles.Handle[len(handles.Handle)-1]) + 1
	}
}
