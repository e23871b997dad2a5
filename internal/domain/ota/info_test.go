package ota

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseDeploymentInfo verifies objects are accepted and anything else yields ErrParse.
func TestParseDeploymentInfo(t *testing.T) {
	t.Parallel()

	info, err := ParseDeploymentInfo("abc", []byte(`{"version":"1.2.0","build":{"id":42}}`))
	require.NoError(t, err)
	require.Equal(t, Revision("abc"), info.Revision())
	require.Equal(t, "1.2.0", info.Version())

	build, ok := info.Field("build")
	require.True(t, ok)
	require.JSONEq(t, `{"id":42}`, build)

	for _, raw := range []string{`[1,2]`, `"text"`, `{"broken":`, `not json`} {
		_, err = ParseDeploymentInfo("abc", []byte(raw))
		require.ErrorIs(t, err, ErrParse, raw)
	}
}

// TestDeploymentInfo_DocumentIsCopy ensures callers cannot mutate a parsed document.
func TestDeploymentInfo_DocumentIsCopy(t *testing.T) {
	t.Parallel()

	info, err := NewDeploymentInfo("abc", map[string]any{"version": "1.0"})
	require.NoError(t, err)

	doc := info.Document()
	delete(doc.Fields, "version")

	require.Equal(t, "1.0", info.Version())
}

// TestDeploymentInfo_NewerThan checks semantic version comparison between documents.
func TestDeploymentInfo_NewerThan(t *testing.T) {
	t.Parallel()

	older, err := NewDeploymentInfo("a", map[string]any{"version": "1.9.0"})
	require.NoError(t, err)

	newer, err := NewDeploymentInfo("b", map[string]any{"version": "1.10.0"})
	require.NoError(t, err)

	unversioned, err := NewDeploymentInfo("c", map[string]any{"name": "x"})
	require.NoError(t, err)

	require.True(t, newer.NewerThan(older))
	require.False(t, older.NewerThan(newer))
	require.True(t, newer.NewerThan(unversioned))
	require.False(t, unversioned.NewerThan(newer))
	require.False(t, (*DeploymentInfo)(nil).NewerThan(newer))
}

// TestRollbackState_Equal compares states by value, including document contents.
func TestRollbackState_Equal(t *testing.T) {
	t.Parallel()

	first, err := ParseDeploymentInfo("r1", []byte(`{"version":"1"}`))
	require.NoError(t, err)

	second, err := ParseDeploymentInfo("r1", []byte(`{"version":"1"}`))
	require.NoError(t, err)

	a := RollbackState{Revision: "r1", Info: first, DeploymentCount: 2}
	b := RollbackState{Revision: "r1", Info: second, DeploymentCount: 2}

	require.True(t, a.Equal(b))
	require.True(t, a.Available())

	b.DeploymentCount = 3
	require.False(t, a.Equal(b))

	other, err := ParseDeploymentInfo("r2", []byte(`{"version":"1"}`))
	require.NoError(t, err)

	b.DeploymentCount = 2
	b.Info = other
	require.False(t, a.Equal(b), "documents of different revisions differ")

	require.True(t, RollbackState{DeploymentCount: 1}.Equal(RollbackState{DeploymentCount: 1}))
	require.False(t, RollbackState{DeploymentCount: 1}.Available())
}

// TestQueryTarget_IsLocal only sends the server target to the network.
func TestQueryTarget_IsLocal(t *testing.T) {
	t.Parallel()

	for _, target := range []QueryTarget{ClientLocal, DefaultDeployment, RollbackDeployment} {
		require.True(t, target.IsLocal(), target.String())
	}

	require.False(t, ServerRemote.IsLocal())
}

// TestToolError verifies the message prefers tool output and unwraps to ErrDeploymentTool.
func TestToolError(t *testing.T) {
	t.Parallel()

	err := error(&ToolError{Args: []string{"pull"}, Output: "error: no such ref\n", ExitCode: 1})
	require.Equal(t, "error: no such ref", err.Error())
	require.ErrorIs(t, err, ErrDeploymentTool)

	err = &ToolError{Args: []string{"pull", "x"}, ExitCode: 2}
	require.Contains(t, err.Error(), "exited with status 2")

	require.True(t, errors.Is(ErrProcessTimeout, ErrProcessSpawn))
}
