package sysroot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/service/process/processtest"
)

const (
	rev0 = "8d7c2f0d0a3b4c5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6"
	rev1 = "1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f80"
)

var errTestSpawn = errors.New("exec: \"ostree\": executable file not found in $PATH")

// TestParseStatus verifies boot order, booted marker and detail lines are handled.
func TestParseStatus(t *testing.T) {
	t.Parallel()

	output := "" +
		"  qt-os " + rev1 + ".1 (pending)\n" +
		"    Version: 5.12\n" +
		"    origin refspec: qt-os:linux/qt\n" +
		"* qt-os " + rev0 + ".0\n" +
		"    origin refspec: qt-os:linux/qt\n" +
		"    GPG: Signature made Thu 01 Oct 2026 10:00:00 UTC\n"

	deployments, err := ParseStatus(output)
	require.NoError(t, err)
	require.Len(t, deployments, 2)

	require.Equal(t, ota.Revision(rev1), deployments[0].Revision)
	require.Equal(t, 1, deployments[0].Serial)
	require.True(t, deployments[0].IsDefault)
	require.False(t, deployments[0].IsBooted)
	require.True(t, deployments[0].Pending)

	require.Equal(t, ota.Revision(rev0), deployments[1].Revision)
	require.Equal(t, 1, deployments[1].BootIndex)
	require.False(t, deployments[1].IsDefault)
	require.True(t, deployments[1].IsBooted)
	require.Equal(t, "qt-os", deployments[1].OSName)
}

// TestParseStatus_Invalid rejects empty and unrecognized output.
func TestParseStatus_Invalid(t *testing.T) {
	t.Parallel()

	for _, output := range []string{"", "No deployments.\n", "error: not an ostree system\n"} {
		_, err := ParseStatus(output)
		require.Error(t, err, output)
	}
}

// TestHandle_Load reads the deployment list through the runner.
func TestHandle_Load(t *testing.T) {
	t.Parallel()

	tool := processtest.NewOSTree(rev0, rev1)
	h := NewHandle(tool, "/sysroot")

	require.False(t, h.Loaded())
	require.Empty(t, h.DefaultRevision())

	require.NoError(t, h.Load(context.Background()))
	require.True(t, h.Loaded())
	require.Equal(t, ota.Revision(rev0), h.DefaultRevision())
	require.Equal(t, ota.Revision(rev0), h.BootedRevision())
	require.Len(t, h.Deployments(), 2)

	require.Equal(t, []string{"admin", "status", "--sysroot=/sysroot"}, tool.Calls()[0].Args)

	// Returned slice is a copy.
	deployments := h.Deployments()
	deployments[0].Revision = "mutated"
	require.Equal(t, ota.Revision(rev0), h.DefaultRevision())

	h.Close()
	require.False(t, h.Loaded())
}

// TestHandle_LoadFailures wraps every failure in ErrSysrootLoad and keeps the previous list.
func TestHandle_LoadFailures(t *testing.T) {
	t.Parallel()

	tool := processtest.NewOSTree(rev0)
	h := NewHandle(tool, "/")
	require.NoError(t, h.Load(context.Background()))

	tool.Fail("admin status", "error: opening sysroot: No such file or directory")

	err := h.Load(context.Background())
	require.ErrorIs(t, err, ota.ErrSysrootLoad)
	require.ErrorIs(t, err, ota.ErrDeploymentTool)
	require.Equal(t, ota.Revision(rev0), h.DefaultRevision())

	spawnFailing := processtest.NewOSTree(rev0)
	spawnFailing.FailSpawn("admin status", errTestSpawn)

	err = NewHandle(spawnFailing, "/").Load(context.Background())
	require.ErrorIs(t, err, ota.ErrSysrootLoad)

	empty := processtest.NewOSTree()
	err = NewHandle(empty, "/").Load(context.Background())
	require.ErrorIs(t, err, ota.ErrSysrootLoad)
}
