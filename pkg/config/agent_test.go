package config

import (
	"testing"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelda-inc/drivesync/pkg/errors"
)

const agentConfigOut = ".drivesync.yaml"

func TestParseAgentConfigAppliesDefaults(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) { return agentConfigOut, nil }

	cfg := AgentConfig{SyncRoot: "/sync", WorkspaceID: 7}
	raw, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, agentConfigOut, raw, 0o644))

	parsed, err := ParseAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(7), parsed.WorkspaceID)
	assert.Equal(t, DefaultMaxConcurrentTransfers, parsed.MaxConcurrentTransfers)
	assert.Equal(t, DefaultDebounceMs, parsed.DebounceMs)
	assert.Equal(t, DefaultEchoTTLSeconds, parsed.EchoTTLSeconds)
	assert.Equal(t, DefaultExcludedDirNames, parsed.ExcludedDirNames)
}

func TestParseAgentConfigMissingFileIsFriendly(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) { return agentConfigOut, nil }

	_, err := ParseAgentConfig()
	require.Error(t, err)
	_, ok := err.(errors.FriendlyError)
	assert.True(t, ok)
}

func TestWriteThenParseAgentConfigRoundTrips(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) { return agentConfigOut, nil }

	cfg := AgentConfig{
		SyncRoot:               "/sync",
		WorkspaceID:            3,
		MaxConcurrentTransfers: 10,
	}
	require.NoError(t, WriteAgentConfig(cfg))

	parsed, err := ParseAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(3), parsed.WorkspaceID)
	assert.Equal(t, 10, parsed.MaxConcurrentTransfers)
}

func TestAgentConfigRejectsUnknownFields(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) { return agentConfigOut, nil }

	require.NoError(t, afero.WriteFile(fs, agentConfigOut, []byte("version: v1\nsyncRoot: /sync\nbogusField: true\n"), 0o644))

	_, err := ParseAgentConfig()
	require.Error(t, err)
}
