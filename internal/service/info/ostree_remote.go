package info

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/service/process"
)

var errUnresolvedRef = errors.New("ref resolved to no revision")

// OSTreeRemote fetches server metadata by pulling commit metadata through the deployment tool.
type OSTreeRemote struct {
	runner       process.Runner
	repoPath     string
	remote       string
	ref          string
	metadataPath string
}

// NewOSTreeRemote creates a fetcher for remote:ref.
func NewOSTreeRemote(runner process.Runner, repoPath, remote, ref, metadataPath string) *OSTreeRemote {
	return &OSTreeRemote{
		runner:       runner,
		repoPath:     repoPath,
		remote:       remote,
		ref:          ref,
		metadataPath: metadataPath,
	}
}

// FetchRemote pulls the commit object and the metadata file only, then reads them locally.
// Pull failures are reported as ota.ErrNetwork, launch failures as ota.ErrProcessSpawn.
func (o *OSTreeRemote) FetchRemote(ctx context.Context) (ota.Revision, []byte, error) {
	repo := "--repo=" + o.repoPath

	pulls := [][]string{
		{"pull", repo, "--commit-metadata-only", "--disable-static-deltas", o.remote, o.ref},
		{"pull", repo, "--subpath=" + o.metadataPath, o.remote, o.ref},
	}

	for _, args := range pulls {
		if err := o.pull(ctx, args); err != nil {
			return "", nil, err
		}
	}

	args := []string{"rev-parse", repo, o.remote + ":" + o.ref}

	result, err := o.runner.Run(ctx, args, nil)
	if err != nil {
		return "", nil, err
	}

	if toolErr := result.Err(args); toolErr != nil {
		return "", nil, toolErr
	}

	revision := ota.Revision(strings.TrimSpace(result.Output))
	if revision.IsZero() {
		return "", nil, fmt.Errorf("%w: %s:%s: %w", ota.ErrNetwork, o.remote, o.ref, errUnresolvedRef)
	}

	logger.DebugKV(ctx, "Resolved server revision", "remote", o.remote, "ref", o.ref, "revision", revision.Short())

	data, found, err := ReadCommitFile(ctx, o.runner, o.repoPath, revision, o.metadataPath)
	if err != nil {
		return revision, nil, err
	}

	if !found {
		return revision, nil, nil
	}

	return revision, data, nil
}

// pull executes a pull; a non-zero exit is reported as ota.ErrNetwork.
func (o *OSTreeRemote) pull(ctx context.Context, args []string) error {
	result, err := o.runner.Run(ctx, args, nil)
	if err != nil {
		return err
	}

	if toolErr := result.Err(args); toolErr != nil {
		return fmt.Errorf("%w: %w", ota.ErrNetwork, toolErr)
	}

	return nil
}
