package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-client/internal/config"
	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/service/orchestrator"
)

// TestLoadSettings falls back to defaults only for the implicit file.
//
//nolint:paralleltest // Mutates the package-level configPath.
func TestLoadSettings(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), config.DefaultConfigFilename)

	cfg, err := loadSettings(false)
	require.NoError(t, err)
	require.Equal(t, config.DefaultRemote, cfg.Remote)

	_, err = loadSettings(true)
	require.Error(t, err)

	saved := config.Default()
	saved.Remote = "factory"
	require.NoError(t, config.Save(configPath, saved))

	cfg, err = loadSettings(true)
	require.NoError(t, err)
	require.Equal(t, "factory", cfg.Remote)
}

// TestPrintFinished renders revisions with their versions.
func TestPrintFinished(t *testing.T) {
	t.Parallel()

	info, err := ota.NewDeploymentInfo("abc", map[string]any{"version": "2.1.0"})
	require.NoError(t, err)

	var out bytes.Buffer

	printFinished(&out, orchestrator.InitializeFinished{
		DefaultRevision: "def",
		ClientRevision:  "def",
		ServerRevision:  "abc",
		ServerInfo:      info,
		UpdateAvailable: true,
		Success:         true,
	})

	require.Equal(t, "default: def\nbooted: def\nserver: abc (2.1.0)\nupdate available: true\nserver release newer: true\n",
		out.String())

	out.Reset()
	printFinished(&out, orchestrator.RollbackFinished{Revision: ""})
	require.Equal(t, "default: none\n", out.String())
}
