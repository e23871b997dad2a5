package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the OTA client components.
type Config struct {
	// Sysroot is the root of the deployment tree, "/" on a device.
	Sysroot string `yaml:"sysroot"`
	// OSTreePath is the deployment tool executable.
	OSTreePath string `yaml:"ostree_path"`
	// Remote is the name of the configured OSTree remote.
	Remote string `yaml:"remote"`
	// Ref is the branch tracked on the remote.
	Ref string `yaml:"ref"`
	// MetadataPath is the location of the metadata document inside a commit.
	MetadataPath string `yaml:"metadata_path"`
	// LockDir holds the lock scope files.
	LockDir string `yaml:"lock_dir"`
	// LockTimeout bounds lock waits, zero waits until the context ends.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// ToolTimeout bounds a single deployment tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// ServerSource selects how server metadata is fetched: "ostree" or "http".
	ServerSource string `yaml:"server_source"`
	// ServerURL is the base URL of the update repository for the "http" source.
	ServerURL string `yaml:"server_url"`
	// ServerHealthAddress is an optional gRPC health endpoint probed before HTTP fetches.
	ServerHealthAddress string `yaml:"server_health_addr"`
	// Timeout is the duration for network operations.
	Timeout time.Duration `yaml:"timeout"`
	// RollbackPolicy picks the rollback candidate: "most-recent" or "booted".
	RollbackPolicy string `yaml:"rollback_policy"`
	// EventBuffer is the capacity of the event channel.
	EventBuffer int `yaml:"event_buffer"`
	// WatchPath is watched for deployment changes made by other processes.
	WatchPath string `yaml:"watch_path"`
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level"`
	// LogFile enables a rotating log file when set.
	LogFile string `yaml:"log_file"`
	// LogMaxSizeMB is the rotation threshold of LogFile.
	LogMaxSizeMB int `yaml:"log_max_size_mb"`
	// MetricsAddress exposes Prometheus metrics in watch mode when set.
	MetricsAddress string `yaml:"metrics_addr"`
}

const (
	// DefaultConfigFilename is the default filename for client settings.
	DefaultConfigFilename = "ota-client.yaml"

	// DefaultSysroot is the deployment root of a running device.
	DefaultSysroot = "/"

	// DefaultOSTreePath is the deployment tool looked up in PATH.
	DefaultOSTreePath = "ostree"

	// DefaultRemote is the remote name used when none is configured.
	DefaultRemote = "qt-os"

	// DefaultRef is the branch tracked when none is configured.
	DefaultRef = "linux/qt"

	// DefaultMetadataPath is where each commit carries its metadata document.
	DefaultMetadataPath = "/usr/etc/qt-ota.json"

	// DefaultLockDir holds lock scope files.
	DefaultLockDir = "/run/lock/ota-client"

	// DefaultToolTimeout bounds a single tool invocation.
	DefaultToolTimeout = 30 * time.Minute

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 30 * time.Second

	// DefaultEventBuffer is the default event channel capacity.
	DefaultEventBuffer = 64

	// DefaultLogMaxSizeMB is the default log rotation threshold.
	DefaultLogMaxSizeMB = 10

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// SourceOSTree fetches server metadata through the deployment tool.
	SourceOSTree = "ostree"
	// SourceHTTP fetches server metadata straight from the repository URL.
	SourceHTTP = "http"

	// PolicyMostRecent picks the first non-default deployment in boot order.
	PolicyMostRecent = "most-recent"
	// PolicyBooted follows the tool's own rollback semantics relative to the booted deployment.
	PolicyBooted = "booted"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errUnknownServerSource is returned for an unsupported server_source value.
	errUnknownServerSource = errors.New("unknown server source")
	// errServerURLRequired is returned when the http source has no URL.
	errServerURLRequired = errors.New("server url must be provided for the http source")
	// errUnknownRollbackPolicy is returned for an unsupported rollback_policy value.
	errUnknownRollbackPolicy = errors.New("unknown rollback policy")
	// errInvalidRemote is returned when the remote name contains unsafe characters.
	errInvalidRemote = errors.New("invalid remote name")
	// errRelativeMetadataPath is returned when metadata_path is not absolute.
	errRelativeMetadataPath = errors.New("metadata path must be absolute")

	// remoteNamePattern restricts remote names to characters the tool accepts unquoted.
	remoteNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := new(Config)

	// Defaults never fail validation.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings and fills defaults for optional fields.
//
//nolint:cyclop // A flat list of defaults reads better than helper indirection.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	setDefault(&settings.Sysroot, DefaultSysroot)
	setDefault(&settings.OSTreePath, DefaultOSTreePath)
	setDefault(&settings.Remote, DefaultRemote)
	setDefault(&settings.Ref, DefaultRef)
	setDefault(&settings.MetadataPath, DefaultMetadataPath)
	setDefault(&settings.LockDir, DefaultLockDir)
	setDefault(&settings.ServerSource, SourceOSTree)
	setDefault(&settings.RollbackPolicy, PolicyMostRecent)
	setDefault(&settings.LogLevel, "info")
	setDefault(&settings.WatchPath, filepath.Join(settings.Sysroot, "boot"))

	if settings.ToolTimeout <= 0 {
		settings.ToolTimeout = DefaultToolTimeout
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.EventBuffer <= 0 {
		settings.EventBuffer = DefaultEventBuffer
	}

	if settings.LogMaxSizeMB <= 0 {
		settings.LogMaxSizeMB = DefaultLogMaxSizeMB
	}

	if !remoteNamePattern.MatchString(settings.Remote) {
		return fmt.Errorf("%w: %q", errInvalidRemote, settings.Remote)
	}

	if !filepath.IsAbs(settings.MetadataPath) {
		return fmt.Errorf("%w: %q", errRelativeMetadataPath, settings.MetadataPath)
	}

	switch settings.RollbackPolicy {
	case PolicyMostRecent, PolicyBooted:
	default:
		return fmt.Errorf("%w: %q", errUnknownRollbackPolicy, settings.RollbackPolicy)
	}

	if err := validateServer(settings); err != nil {
		return err
	}

	return nil
}

// validateServer checks the settings of the remote metadata source.
func validateServer(settings *Config) error {
	switch settings.ServerSource {
	case SourceOSTree:
	case SourceHTTP:
		if settings.ServerURL == "" {
			return errServerURLRequired
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownServerSource, settings.ServerSource)
	}

	if settings.ServerURL != "" {
		if _, err := url.ParseRequestURI(settings.ServerURL); err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
	}

	if settings.ServerHealthAddress != "" {
		if _, _, err := net.SplitHostPort(settings.ServerHealthAddress); err != nil {
			return fmt.Errorf("invalid server health address: %w", err)
		}
	}

	return nil
}

// RepoPath returns the OSTree repository inside the sysroot.
func (c *Config) RepoPath() string {
	return filepath.Join(c.Sysroot, "ostree", "repo")
}

// setDefault assigns fallback to an empty string field.
func setDefault(field *string, fallback string) {
	if *field == "" {
		*field = fallback
	}
}
