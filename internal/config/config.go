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

// Package config loads the totpm configuration: one small TOML file that
// names the TPM transport, the presence-verification method and the two
// data directories. The file location doubles as the installation-mode
// signal: a per-user file means a local install, the system file means a
// system-wide SUID install.
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-totpm/pkg/presence"
)

// ErrInvalid is returned for a malformed configuration file or an invalid
// configuration value. Fatal: totpm never guesses at security settings.
var ErrInvalid = errors.New("config: invalid configuration")

const (
	// DefaultSystemPath is the system-wide configuration file.
	DefaultSystemPath = "/etc/totpm.conf"

	// LocalRelPath is the per-user configuration file, relative to the
	// invoking user's home directory.
	LocalRelPath = ".config/totpm.conf"

	// DefaultTPM selects the kernel resource manager device.
	DefaultTPM = "device"

	// DefaultSystemDataPath holds the unlock secret and the primary key
	// handle file.
	DefaultSystemDataPath = "/var/lib/totpm"

	// DefaultUserDataPath holds the per-user secret database, relative
	// to the user's home directory.
	DefaultUserDataPath = ".local/share/totpm"

	// DefaultPVTimeout bounds a presence check, in seconds.
	DefaultPVTimeout = 10

	secretsDBFile        = "secrets.sqlite"
	authValueFile        = "auth_value"
	primaryKeyHandleFile = "primary_key_handle"
)

// Config is the totpm configuration.
type Config struct {
	// TPM selects the transport: device | device:<path> |
	// swtpm:host=<host>,port=<port> | simulator.
	TPM string `mapstructure:"tpm" toml:"tpm"`

	// PVMethod selects presence verification: none | fprintd.
	PVMethod string `mapstructure:"pv_method" toml:"pv_method"`

	// PVTimeout bounds a presence check, in seconds.
	PVTimeout uint `mapstructure:"pv_timeout" toml:"pv_timeout"`

	// SystemDataPath is the directory holding the unlock secret and the
	// primary key handle. Must be absolute.
	SystemDataPath string `mapstructure:"system_data_path" toml:"system_data_path"`

	// UserDataPath is the directory holding the per-user secret
	// database. A relative path is resolved against $HOME.
	UserDataPath string `mapstructure:"user_data_path" toml:"user_data_path"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		TPM:            DefaultTPM,
		PVMethod:       string(presence.MethodNone),
		PVTimeout:      DefaultPVTimeout,
		SystemDataPath: DefaultSystemDataPath,
		UserDataPath:   DefaultUserDataPath,
	}
}

// Load reads and validates the TOML configuration file at path.
func Load(fsys afero.Fs, path string) (Config, error) {
	v := viper.New()
	v.SetFs(fsys)
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("tpm", DefaultTPM)
	v.SetDefault("pv_method", string(presence.MethodNone))
	v.SetDefault("pv_timeout", DefaultPVTimeout)
	v.SetDefault("system_data_path", DefaultSystemDataPath)
	v.SetDefault("user_data_path", DefaultUserDataPath)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write serializes cfg as TOML at path, creating the parent directory.
// Used by init when no configuration file exists yet.
func Write(fsys afero.Fs, path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: serializing config: %v", ErrInvalid, err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := afero.WriteFile(fsys, path, out, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// Resolve picks the configuration file for this invocation: an explicit
// path always wins; then the per-user file when it exists (or forceLocal
// demands it); otherwise the system-wide file.
func Resolve(fsys afero.Fs, explicit, home string, forceLocal bool) string {
	if explicit != "" {
		return explicit
	}
	local := filepath.Join(home, LocalRelPath)
	if forceLocal {
		return local
	}
	if info, err := fsys.Stat(local); err == nil && info.Mode().IsRegular() {
		return local
	}
	return DefaultSystemPath
}

// Validate fills defaults for empty fields and rejects invalid values.
func (c *Config) Validate() error {
	if c.TPM == "" {
		c.TPM = DefaultTPM
	}
	if c.PVMethod == "" {
		c.PVMethod = string(presence.MethodNone)
	}
	if c.PVTimeout == 0 {
		c.PVTimeout = DefaultPVTimeout
	}
	if c.SystemDataPath == "" {
		c.SystemDataPath = DefaultSystemDataPath
	}
	if c.UserDataPath == "" {
		c.UserDataPath = DefaultUserDataPath
	}

	if _, err := presence.ParseMethod(c.PVMethod); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !filepath.IsAbs(c.SystemDataPath) {
		return fmt.Errorf("%w: system_data_path %q must be absolute", ErrInvalid, c.SystemDataPath)
	}
	return nil
}

// AuthValuePath is the unlock-secret file.
func (c Config) AuthValuePath() string {
	return filepath.Join(c.SystemDataPath, authValueFile)
}

// PrimaryKeyHandlePath is the persistent primary key handle file.
func (c Config) PrimaryKeyHandlePath() string {
	return filepath.Join(c.SystemDataPath, primaryKeyHandleFile)
}

// SecretsDBPath is the invoking user's secret database file. A relative
// user_data_path is resolved against home.
func (c Config) SecretsDBPath(home string) string {
	dir := c.UserDataPath
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(home, dir)
	}
	return filepath.Join(dir, secretsDBFile)
}
