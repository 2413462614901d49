package config

import (
	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/kelda-inc/drivesync/pkg/errors"
)

const (
	// AgentConfigPath is the default path to the sync agent's config.
	AgentConfigPath = "~/.drivesync.yaml"

	// CredentialStorePath is the default path to the encrypted
	// credential record (pkg/credstore).
	CredentialStorePath = "~/.drivesync-credentials"

	// MachineKeyPath is the default path to the local key used to
	// encrypt the credential store.
	MachineKeyPath = "~/.drivesync-machine-key"

	// MetadataStorePath is the default path to the Metadata Store's
	// SQLite database.
	MetadataStorePath = "~/.drivesync-metadata.db"

	// InitialAgentConfigVersion is the version assumed for a config file
	// that doesn't specify one.
	InitialAgentConfigVersion = "v1"

	// SupportedAgentConfigVersion is the version this binary understands.
	SupportedAgentConfigVersion = "v1"

	// DefaultMaxConcurrentTransfers is used when the config omits the field.
	DefaultMaxConcurrentTransfers = 50
	// DefaultDebounceMs is used when the config omits the field.
	DefaultDebounceMs = 1000
	// DefaultEchoTTLSeconds is used when the config omits the field.
	DefaultEchoTTLSeconds = 7200
	// DefaultPeriodicIntervalSeconds is used when the config omits the field.
	DefaultPeriodicIntervalSeconds = 300
	// DefaultBackgroundIntervalSeconds is used in background mode.
	DefaultBackgroundIntervalSeconds = 120
	// DefaultLargeFileThresholdMiB is used when the config omits the field.
	DefaultLargeFileThresholdMiB = 3
)

// DefaultExcludedDirNames mirrors pkg/resolver.ExcludedDirNames, repeated
// here as the user-visible default rather than importing pkg/resolver
// into pkg/config, since this is configuration surface, not algorithm.
var DefaultExcludedDirNames = []string{".git", "node_modules", ".vs", ".idea", "bin", "obj", "__pycache__"}

// AgentConfig is the sync agent's on-disk configuration (spec §6).
type AgentConfig struct {
	Version                   string   `json:"version,omitempty"`
	SyncRoot                  string   `json:"syncRoot"`
	WorkspaceID               int64    `json:"workspaceId"`
	MaxConcurrentTransfers    int      `json:"maxConcurrentTransfers,omitempty"`
	DebounceMs                int      `json:"debounceMs,omitempty"`
	EchoTTLSeconds            int      `json:"echoTtlSeconds,omitempty"`
	PeriodicIntervalSeconds   int      `json:"periodicIntervalSeconds,omitempty"`
	BackgroundIntervalSeconds int      `json:"backgroundIntervalSeconds,omitempty"`
	ExcludedDirNames          []string `json:"excludedDirNames,omitempty"`
	LargeFileThresholdMiB     int      `json:"largeFileThresholdMib,omitempty"`
}

func (c AgentConfig) getVersion() string {
	return c.Version
}

// WithDefaults fills any zero-valued field with its documented default.
func (c AgentConfig) WithDefaults() AgentConfig {
	if c.MaxConcurrentTransfers == 0 {
		c.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if c.DebounceMs == 0 {
		c.DebounceMs = DefaultDebounceMs
	}
	if c.EchoTTLSeconds == 0 {
		c.EchoTTLSeconds = DefaultEchoTTLSeconds
	}
	if c.PeriodicIntervalSeconds == 0 {
		c.PeriodicIntervalSeconds = DefaultPeriodicIntervalSeconds
	}
	if c.BackgroundIntervalSeconds == 0 {
		c.BackgroundIntervalSeconds = DefaultBackgroundIntervalSeconds
	}
	if c.LargeFileThresholdMiB == 0 {
		c.LargeFileThresholdMiB = DefaultLargeFileThresholdMiB
	}
	if len(c.ExcludedDirNames) == 0 {
		c.ExcludedDirNames = DefaultExcludedDirNames
	}
	return c
}

// homedirExpand is overridden in mock tests.
var homedirExpand = homedir.Expand

// ParseAgentConfig reads and validates the agent config from the
// default path, filling in defaults for any omitted field.
func ParseAgentConfig() (AgentConfig, error) {
	path, err := GetAgentConfigPath()
	if err != nil {
		return AgentConfig{}, errors.WithContext(err, "expand config path")
	}

	config := AgentConfig{Version: InitialAgentConfigVersion}
	if err := parseConfig(path, &config, SupportedAgentConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return AgentConfig{}, errors.NewFriendlyError("No configuration file found at %q.\n"+
				"Run `drivesync login` and `drivesync workspace switch` to create one.", path)
		}
		return AgentConfig{}, errors.WithContext(err, "parse")
	}

	config.SyncRoot, err = homedirExpand(config.SyncRoot)
	if err != nil {
		return AgentConfig{}, errors.WithContext(err, "expand sync root")
	}

	return config.WithDefaults(), nil
}

// WriteAgentConfig writes cfg to the default config path.
func WriteAgentConfig(cfg AgentConfig) error {
	cfg.Version = SupportedAgentConfigVersion
	path, err := GetAgentConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0o644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetAgentConfigPath returns the expanded, absolute path to the
// config file.
func GetAgentConfigPath() (string, error) {
	return homedirExpand(AgentConfigPath)
}

// GetCredentialStorePaths returns the expanded, absolute paths to the
// credential store's record and machine-key files.
func GetCredentialStorePaths() (recordPath, keyPath string, err error) {
	recordPath, err = homedirExpand(CredentialStorePath)
	if err != nil {
		return "", "", errors.WithContext(err, "expand credential store path")
	}
	keyPath, err = homedirExpand(MachineKeyPath)
	if err != nil {
		return "", "", errors.WithContext(err, "expand machine key path")
	}
	return recordPath, keyPath, nil
}

// GetMetadataStorePath returns the expanded, absolute path to the
// Metadata Store's SQLite database.
func GetMetadataStorePath() (string, error) {
	return homedirExpand(MetadataStorePath)
}
