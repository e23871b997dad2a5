package remote

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	goupdate "github.com/doitdistributed/go-update"
	"gopkg.in/ini.v1"

	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/service/lock"

	// Ensure SHA512 available for checksum calculation.
	_ "crypto/sha512"
)

const (
	// RemotesDir is the configuration directory relative to the sysroot.
	RemotesDir = "etc/ostree/remotes.d"

	// DefaultFileMode is the permission of remote configuration files.
	DefaultFileMode os.FileMode = 0o644

	// checksumFunction verifies written files.
	checksumFunction = crypto.SHA512

	dirMode os.FileMode = 0o755

	keyURL               = "url"
	keyGPGVerify         = "gpg-verify"
	keyTLSPermissive     = "tls-permissive"
	keyTLSClientCertPath = "tls-client-cert-path"
	keyTLSClientKeyPath  = "tls-client-key-path"
	keyTLSCAPath         = "tls-ca-path"
)

var (
	// ErrNotFound is returned when the remote has no configuration file.
	ErrNotFound = errors.New("remote configuration not found")

	errInvalidName    = errors.New("invalid remote name")
	errInvalidURL     = errors.New("invalid remote url")
	errNoGroup        = errors.New("remote group not found")
	errMalformedFile  = errors.New("malformed key file")
	errIncompleteCert = errors.New("tls client certificate and key must be set together")

	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	// keyFileOptions follow GLib key files: '#' only starts whole-line comments.
	keyFileOptions = ini.LoadOptions{IgnoreInlineComment: true}
)

// Config is one remote definition.
type Config struct {
	Name              string
	URL               string
	GPGVerify         bool
	TLSPermissive     bool
	TLSClientCertPath string
	TLSClientKeyPath  string
	TLSCAPath         string
}

// Validate checks the fields the deployment tool depends on.
func (c Config) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: %q", errInvalidName, c.Name)
	}

	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidURL, err)
	}

	switch parsed.Scheme {
	case "http", "https", "file":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", errInvalidURL, parsed.Scheme)
	}

	if (c.TLSClientCertPath == "") != (c.TLSClientKeyPath == "") {
		return errIncompleteCert
	}

	return nil
}

// Marshal renders the configuration as a key file group.
func (c Config) Marshal() ([]byte, error) {
	file := ini.Empty(keyFileOptions)

	section, err := file.NewSection(groupName(c.Name))
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", c.Name, err)
	}

	entries := []struct {
		key   string
		value string
		keep  bool
	}{
		{keyURL, c.URL, true},
		{keyGPGVerify, strconv.FormatBool(c.GPGVerify), true},
		{keyTLSPermissive, strconv.FormatBool(c.TLSPermissive), c.TLSPermissive},
		{keyTLSClientCertPath, c.TLSClientCertPath, c.TLSClientCertPath != ""},
		{keyTLSClientKeyPath, c.TLSClientKeyPath, c.TLSClientKeyPath != ""},
		{keyTLSCAPath, c.TLSCAPath, c.TLSCAPath != ""},
	}

	for _, entry := range entries {
		if !entry.keep {
			continue
		}

		if _, err = section.NewKey(entry.key, entry.value); err != nil {
			return nil, fmt.Errorf("remote %s: %s: %w", c.Name, entry.key, err)
		}
	}

	var b bytes.Buffer

	if _, err = file.WriteTo(&b); err != nil {
		return nil, fmt.Errorf("render remote %s: %w", c.Name, err)
	}

	return b.Bytes(), nil
}

// Parse reads the group of remote name from a key file.
// Unknown keys and other groups are ignored.
func Parse(name string, data []byte) (Config, error) {
	file, err := ini.LoadSources(keyFileOptions, data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", errMalformedFile, err)
	}

	group := groupName(name)

	section, err := file.GetSection(group)
	if err != nil {
		return Config{}, fmt.Errorf("%w: [%s]", errNoGroup, group)
	}

	cfg := Config{
		Name:              name,
		URL:               section.Key(keyURL).String(),
		TLSClientCertPath: section.Key(keyTLSClientCertPath).String(),
		TLSClientKeyPath:  section.Key(keyTLSClientKeyPath).String(),
		TLSCAPath:         section.Key(keyTLSCAPath).String(),
	}

	for key, target := range map[string]*bool{
		keyGPGVerify:     &cfg.GPGVerify,
		keyTLSPermissive: &cfg.TLSPermissive,
	} {
		if !section.HasKey(key) {
			continue
		}

		if *target, err = section.Key(key).Bool(); err != nil {
			return Config{}, fmt.Errorf("%s: %w", key, err)
		}
	}

	return cfg, nil
}

// groupName returns the key file group holding remote name.
func groupName(name string) string {
	return fmt.Sprintf("remote %q", name)
}

// Store reads and writes remote configuration files.
type Store struct {
	dir   string
	locks *lock.Manager
}

// NewStore creates a Store for the sysroot at sysroot.
func NewStore(sysroot string, locks *lock.Manager) *Store {
	return &Store{
		dir:   filepath.Join(sysroot, RemotesDir),
		locks: locks,
	}
}

// Path returns the configuration file of remote name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".conf")
}

// Get reads the configuration of remote name.
func (s *Store) Get(name string) (Config, error) {
	if !namePattern.MatchString(name) {
		return Config{}, fmt.Errorf("%w: %q", errInvalidName, name)
	}

	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	if err != nil {
		return Config{}, fmt.Errorf("read remote %s: %w", name, err)
	}

	return Parse(name, data)
}

// Set writes cfg, replacing any previous configuration of the same remote.
func (s *Store) Set(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return s.locks.WithLock(ctx, lock.ScopeUpdate, func(ctx context.Context) error {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}

		return s.apply(ctx, cfg.Name, data)
	})
}

// Remove deletes the configuration of remote name.
func (s *Store) Remove(ctx context.Context, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", errInvalidName, name)
	}

	return s.locks.WithLock(ctx, lock.ScopeUpdate, func(ctx context.Context) error {
		err := os.Remove(s.Path(name))
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}

		if err != nil {
			return fmt.Errorf("remove remote %s: %w", name, err)
		}

		logger.InfoKV(ctx, "Remote removed", "remote", name)

		return nil
	})
}

// apply replaces the file of remote name with data, verifying its checksum.
func (s *Store) apply(ctx context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("create remotes directory: %w", err)
	}

	target := s.Path(name)

	// The old file is moved aside during the swap, so one must exist.
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(target, nil, DefaultFileMode); err != nil {
			return fmt.Errorf("create %s: %w", target, err)
		}
	}

	hash := checksumFunction.New()
	_, _ = hash.Write(data)

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: DefaultFileMode,
		Checksum:   hash.Sum(nil),
		Hash:       checksumFunction,
	}

	if err := goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("write remote %s: %w", name, err)
	}

	logger.InfoKV(ctx, "Remote configured", "remote", name, "path", target)

	return nil
}
