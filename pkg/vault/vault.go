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

// Package vault sequences the user-facing operations over the four
// security layers: presence gate, privilege state machine, TPM broker and
// secret store. The ordering inside each operation is a security
// property, not a convenience:
//
//	presence → elevate → load unlock secret → drop → store and TPM work
//
// Presence is verified before elevation, so a denial can never leave a
// TPM side effect. The unlock secret exists in this process only inside
// the elevated window, and user-controlled input (seeds, service names,
// database contents) is handled only after privileges are permanently
// dropped.
//
// A Vault drives exactly one command. The privilege lifecycle it wraps is
// one-way: each process invocation constructs a fresh Vault, runs one
// operation and exits.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/jeremyhahn/go-totpm/internal/password"
	"github.com/jeremyhahn/go-totpm/internal/privilege"
	"github.com/jeremyhahn/go-totpm/pkg/logging"
	"github.com/jeremyhahn/go-totpm/pkg/presence"
	"github.com/jeremyhahn/go-totpm/pkg/storage"
	"github.com/jeremyhahn/go-totpm/pkg/totp"
)

var (
	// ErrAlreadyInitialized is returned by Init when system state from a
	// previous initialization exists.
	ErrAlreadyInitialized = errors.New("vault: already initialized")

	// ErrNotInitialized is returned when the unlock secret or the primary
	// key handle file is missing.
	ErrNotInitialized = errors.New("vault: not initialized")

	// ErrAmbiguousAccount is returned when an omitted account matches
	// more than one record for the service.
	ErrAmbiguousAccount = errors.New("vault: account is ambiguous")
)

// TPM is the broker surface the vault drives. *tpm2.Broker satisfies it;
// tests substitute call-recording fakes.
type TPM interface {
	// SetAuth installs the unlock secret for subsequent authorized calls.
	SetAuth(secret []byte) error

	// ProvisionPrimary creates and persists the primary key, returning
	// its persistent handle.
	ProvisionPrimary() (uint32, error)

	// SealSeed wraps seed as an HMAC child of the primary at handle.
	SealSeed(handle uint32, seed []byte) ([]byte, error)

	// GenerateDigest loads the sealed seed and HMACs msg with it.
	GenerateDigest(handle uint32, sealed, msg []byte) ([]byte, error)

	// DestroyPrimary evicts the persistent primary. Idempotent.
	DestroyPrimary(handle uint32) error

	// Close releases the TPM transport.
	Close() error
}

// Options wires a Vault. All fields except Logger are required.
type Options struct {
	// AuthValuePath is the unlock-secret file, readable only by the
	// privileged identity.
	AuthValuePath string

	// HandlePath is the file recording the persistent primary key handle
	// as a decimal string.
	HandlePath string

	// SystemDir holds the two files above; Init creates it mode 0700.
	SystemDir string

	// Fs is the filesystem the system files live on.
	Fs afero.Fs

	// Presence gates every TPM-touching command. A nil verifier denies.
	Presence presence.Verifier

	// Privilege is the per-invocation privilege state machine.
	Privilege *privilege.Controller

	// TPM is the session broker.
	TPM TPM

	// OpenStore opens the invoking user's secret store. Called lazily,
	// after privileges are dropped.
	OpenStore func() (storage.Store, error)

	Logger *logging.Logger
}

// Vault runs one user command over the assembled security layers.
type Vault struct {
	opts   Options
	logger *logging.Logger
	store  storage.Store
}

// New assembles a Vault from opts.
func New(opts Options) *Vault {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Presence == nil {
		opts.Presence = presence.Const(false)
	}
	return &Vault{opts: opts, logger: opts.Logger}
}

// Init provisions the system state: the unlock secret, the persistent
// primary key and the handle file. Fails with ErrAlreadyInitialized if
// any of it already exists; a partially initialized system must be
// cleared before it can be initialized again.
func (v *Vault) Init(ctx context.Context) error {
	if fileExists(v.opts.Fs, v.opts.AuthValuePath) || fileExists(v.opts.Fs, v.opts.HandlePath) {
		return fmt.Errorf("%w: system state in %s", ErrAlreadyInitialized, v.opts.SystemDir)
	}
	if err := v.verifyPresence(ctx); err != nil {
		return err
	}
	if err := v.opts.Privilege.Elevate(); err != nil {
		return err
	}
	if err := v.opts.Fs.MkdirAll(v.opts.SystemDir, 0o700); err != nil {
		return fmt.Errorf("creating system directory %s: %w", v.opts.SystemDir, err)
	}

	secret, err := writeUnlockSecret(v.opts.Fs, v.opts.AuthValuePath)
	if err != nil {
		return err
	}
	defer password.Wipe(secret)
	if err := v.opts.TPM.SetAuth(secret); err != nil {
		return err
	}

	handle, err := v.opts.TPM.ProvisionPrimary()
	if err != nil {
		return err
	}
	if err := writeHandle(v.opts.Fs, v.opts.HandlePath, handle); err != nil {
		return err
	}
	v.logger.Debugf("initialized: primary key 0x%08x, unlock secret at %s", handle, v.opts.AuthValuePath)
	return v.opts.Privilege.Drop()
}

// Add seals seed into the TPM and stores the resulting blob under
// (service, account). Add consumes seed: the buffer is zeroed before it
// returns, on every path. Nothing is stored unless sealing succeeded, and
// no TPM object outlives the call.
func (v *Vault) Add(ctx context.Context, service, account string, digits, period uint32, seed []byte) (storage.Record, error) {
	defer password.Wipe(seed)

	handle, err := v.openTPM(ctx)
	if err != nil {
		return storage.Record{}, err
	}
	st, err := v.getStore()
	if err != nil {
		return storage.Record{}, err
	}
	if _, err := st.Get(service, account); err == nil {
		return storage.Record{}, fmt.Errorf("%w: %s/%s", storage.ErrDuplicateEntry, service, account)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, err
	}

	sealed, err := v.opts.TPM.SealSeed(handle, seed)
	if err != nil {
		return storage.Record{}, err
	}
	rec, err := st.Put(storage.Record{
		Service:    service,
		Account:    account,
		Digits:     digits,
		Period:     period,
		SealedSeed: sealed,
	})
	if err != nil {
		return storage.Record{}, err
	}
	v.logger.Debugf("added %s/%s (%d digits, %ds period)", service, account, digits, period)
	return rec, nil
}

// Generate computes the TOTP code for (service, account) at time at. An
// empty account resolves to the only record for the service, or fails
// with ErrAmbiguousAccount naming the candidates. The store lookup runs
// before any TPM command is issued, so an unknown pair costs no TPM work.
func (v *Vault) Generate(ctx context.Context, service, account string, at time.Time) (string, error) {
	handle, err := v.openTPM(ctx)
	if err != nil {
		return "", err
	}
	st, err := v.getStore()
	if err != nil {
		return "", err
	}
	rec, err := v.resolve(st, service, account)
	if err != nil {
		return "", err
	}
	digest, err := v.opts.TPM.GenerateDigest(handle, rec.SealedSeed, totp.CounterBytes(at, rec.Period))
	if err != nil {
		return "", err
	}
	return totp.Code(digest, rec.Digits)
}

// Delete removes the record for (service, account). Local operation:
// privileges drop immediately, no presence check, no TPM.
func (v *Vault) Delete(service, account string) error {
	if err := v.openLocal(); err != nil {
		return err
	}
	st, err := v.getStore()
	if err != nil {
		return err
	}
	if err := st.Delete(service, account); err != nil {
		return err
	}
	v.logger.Debugf("deleted %s/%s", service, account)
	return nil
}

// List returns stored records filtered by substring on service and
// account, ordered by service then account. Local operation.
func (v *Vault) List(serviceFilter, accountFilter string) ([]storage.Record, error) {
	if err := v.openLocal(); err != nil {
		return nil, err
	}
	st, err := v.getStore()
	if err != nil {
		return nil, err
	}
	return st.List(serviceFilter, accountFilter)
}

// Clear wipes the invoking user's secret store. With system set it first
// verifies presence, destroys the persistent primary key and removes the
// unlock-secret and handle files. Clear converges on "nothing left":
// pieces already missing are logged and skipped, never errors.
func (v *Vault) Clear(ctx context.Context, system bool) error {
	if system {
		if err := v.clearSystem(ctx); err != nil {
			return err
		}
	}
	if err := v.opts.Privilege.WithRealUID(v.wipeStore); err != nil {
		return err
	}
	return v.opts.Privilege.Drop()
}

// Entry is one credential in an import batch.
type Entry struct {
	Service string
	Account string
	Digits  uint32
	Period  uint32
	Seed    []byte
}

// Import adds a batch of entries under a single presence check and
// privileged preamble. Entries colliding with existing records are
// skipped with a warning; any other failure aborts the batch. Returns the
// number of entries added. Import consumes the entry seeds.
func (v *Vault) Import(ctx context.Context, entries []Entry) (int, error) {
	defer func() {
		for i := range entries {
			password.Wipe(entries[i].Seed)
		}
	}()

	handle, err := v.openTPM(ctx)
	if err != nil {
		return 0, err
	}
	st, err := v.getStore()
	if err != nil {
		return 0, err
	}

	added := 0
	for i := range entries {
		e := &entries[i]
		if _, err := st.Get(e.Service, e.Account); err == nil {
			v.logger.Warn("skipping existing entry", "service", e.Service, "account", e.Account)
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return added, err
		}
		sealed, err := v.opts.TPM.SealSeed(handle, e.Seed)
		if err != nil {
			return added, err
		}
		if _, err := st.Put(storage.Record{
			Service:    e.Service,
			Account:    e.Account,
			Digits:     e.Digits,
			Period:     e.Period,
			SealedSeed: sealed,
		}); err != nil {
			return added, err
		}
		added++
	}
	v.logger.Debugf("imported %d of %d entries", added, len(entries))
	return added, nil
}

// Close releases the store and the TPM transport.
func (v *Vault) Close() error {
	var errs []error
	if v.store != nil {
		errs = append(errs, v.store.Close())
		v.store = nil
	}
	if v.opts.TPM != nil {
		errs = append(errs, v.opts.TPM.Close())
	}
	return errors.Join(errs...)
}

// verifyPresence runs the presence gate as the invoking user, before any
// privileged transition.
func (v *Vault) verifyPresence(ctx context.Context) error {
	return v.opts.Privilege.WithRealUID(func() error {
		return presence.Verify(ctx, v.opts.Presence)
	})
}

// openTPM runs the privileged preamble shared by every TPM-touching
// operation and returns the persistent primary handle. On return the
// process has permanently dropped privileges and the broker holds the
// only remaining copy of the unlock secret.
func (v *Vault) openTPM(ctx context.Context) (uint32, error) {
	if err := v.verifyPresence(ctx); err != nil {
		return 0, err
	}
	if err := v.opts.Privilege.Elevate(); err != nil {
		return 0, err
	}
	handle, err := readHandle(v.opts.Fs, v.opts.HandlePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
		return 0, err
	}
	if err := v.opts.Privilege.LoadUnlockSecret(v.opts.AuthValuePath, v.opts.TPM.SetAuth); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
		return 0, err
	}
	if err := v.opts.Privilege.Drop(); err != nil {
		return 0, err
	}
	return handle, nil
}

// openLocal is the preamble for operations that never touch the TPM:
// privileges drop immediately, with no presence check.
func (v *Vault) openLocal() error {
	return v.opts.Privilege.Drop()
}

// clearSystem destroys the TPM primary and removes the system files. The
// handle file is the authority on what to destroy; when either file is
// missing the TPM step is skipped with a warning so clear still converges.
func (v *Vault) clearSystem(ctx context.Context) error {
	if err := v.verifyPresence(ctx); err != nil {
		return err
	}
	if err := v.opts.Privilege.Elevate(); err != nil {
		return err
	}
	if fileExists(v.opts.Fs, v.opts.AuthValuePath) && fileExists(v.opts.Fs, v.opts.HandlePath) {
		handle, err := readHandle(v.opts.Fs, v.opts.HandlePath)
		if err != nil {
			return err
		}
		if err := v.opts.TPM.DestroyPrimary(handle); err != nil {
			return err
		}
		v.logger.Debugf("destroyed primary key 0x%08x", handle)
	} else {
		v.logger.Warn("unlock secret or primary key handle missing, cannot remove key from tpm")
	}
	if err := removeIfPresent(v.opts.Fs, v.opts.AuthValuePath); err != nil {
		return err
	}
	if err := removeIfPresent(v.opts.Fs, v.opts.HandlePath); err != nil {
		return err
	}
	return nil
}

// wipeStore empties the secret store, creating it first if need be so a
// wipe of nothing still succeeds.
func (v *Vault) wipeStore() error {
	st, err := v.getStore()
	if err != nil {
		return err
	}
	return st.Wipe()
}

// getStore opens the secret store on first use.
func (v *Vault) getStore() (storage.Store, error) {
	if v.store != nil {
		return v.store, nil
	}
	st, err := v.opts.OpenStore()
	if err != nil {
		return nil, err
	}
	v.store = st
	return st, nil
}

// resolve finds the record for the pair, resolving an omitted account
// when the service has exactly one record.
func (v *Vault) resolve(st storage.Store, service, account string) (storage.Record, error) {
	if account != "" {
		return st.Get(service, account)
	}
	recs, err := st.List(service, "")
	if err != nil {
		return storage.Record{}, err
	}
	var matches []storage.Record
	for _, r := range recs {
		if r.Service == service {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return storage.Record{}, fmt.Errorf("%w: %s", storage.ErrNotFound, service)
	case 1:
		return matches[0], nil
	default:
		accounts := make([]string, len(matches))
		for i, r := range matches {
			accounts[i] = r.Account
		}
		return storage.Record{}, fmt.Errorf("%w: %s has accounts %s",
			ErrAmbiguousAccount, service, strings.Join(accounts, ", "))
	}
}
