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

// errRevisionRequired is returned when a local lookup has no revision to read.
var errRevisionRequired = errors.New("revision is required for local metadata")

// noSuchFile is what the tool prints when a commit lacks the requested path.
const noSuchFile = "No such file or directory"

// Result is the outcome of a lookup that did not fail.
type Result struct {
	// Revision the lookup resolved; set even when the document is absent.
	Revision ota.Revision
	// Info is the parsed document, nil when the revision carries none.
	Info *ota.DeploymentInfo
}

// Found reports whether a document was present.
func (r Result) Found() bool {
	return r.Info != nil
}

// RemoteFetcher retrieves the raw server document and the revision it belongs to.
// An empty document means the server publishes none.
type RemoteFetcher interface {
	FetchRemote(ctx context.Context) (ota.Revision, []byte, error)
}

// Reader resolves metadata documents for every QueryTarget.
type Reader struct {
	// runner invokes the deployment tool for local lookups.
	runner process.Runner
	// repoPath is the local repository.
	repoPath string
	// metadataPath is the document location inside a commit.
	metadataPath string
	// remote resolves ServerRemote lookups.
	remote RemoteFetcher
}

// NewReader creates a Reader.
func NewReader(runner process.Runner, repoPath, metadataPath string, remote RemoteFetcher) *Reader {
	return &Reader{
		runner:       runner,
		repoPath:     repoPath,
		metadataPath: metadataPath,
		remote:       remote,
	}
}

// Fetch resolves the document of target. For local targets revision selects the commit;
// ServerRemote ignores it. Malformed documents yield ota.ErrParse.
func (r *Reader) Fetch(ctx context.Context, target ota.QueryTarget, revision ota.Revision) (Result, error) {
	if !target.IsLocal() {
		return r.fetchRemote(ctx)
	}

	if revision.IsZero() {
		return Result{}, fmt.Errorf("%s: %w", target, errRevisionRequired)
	}

	data, found, err := ReadCommitFile(ctx, r.runner, r.repoPath, revision, r.metadataPath)
	if err != nil {
		return Result{Revision: revision}, fmt.Errorf("read %s metadata: %w", target, err)
	}

	if !found {
		logger.DebugKV(ctx, "Metadata document absent", "target", target.String(), "revision", revision.Short())

		return Result{Revision: revision}, nil
	}

	return parse(revision, data)
}

// fetchRemote delegates to the remote collaborator and parses its answer.
func (r *Reader) fetchRemote(ctx context.Context) (Result, error) {
	revision, data, err := r.remote.FetchRemote(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read %s metadata: %w", ota.ServerRemote, err)
	}

	return parse(revision, data)
}

// parse turns raw document bytes into a Result; blank documents count as absent.
func parse(revision ota.Revision, data []byte) (Result, error) {
	if strings.TrimSpace(string(data)) == "" {
		return Result{Revision: revision}, nil
	}

	info, err := ota.ParseDeploymentInfo(revision, data)
	if err != nil {
		return Result{Revision: revision}, err
	}

	return Result{Revision: revision, Info: info}, nil
}

// ReadCommitFile prints a file of a commit from the local repository.
// A missing file is reported as found=false; other tool failures wrap ota.ErrDeploymentTool.
func ReadCommitFile(
	ctx context.Context,
	runner process.Runner,
	repoPath string,
	revision ota.Revision,
	path string,
) ([]byte, bool, error) {
	args := []string{"cat", "--repo=" + repoPath, string(revision), path}

	result, err := runner.Run(ctx, args, nil)
	if err != nil {
		return nil, false, err
	}

	if !result.Success {
		if strings.Contains(result.Stderr, noSuchFile) || strings.Contains(result.Output, noSuchFile) {
			return nil, false, nil
		}

		return nil, false, result.Err(args)
	}

	if result.Truncated {
		return nil, false, fmt.Errorf("%s:%s: %w", revision.Short(), path, ota.ErrDocumentTooLarge)
	}

	return []byte(result.Output), true, nil
}
