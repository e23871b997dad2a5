package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/service/info"
	"github.com/oshokin/ota-client/internal/service/rollback"
)

var errRevisionRequired = errors.New("target revision is required")

// Initialize loads the sysroot, reads client, default and server metadata and
// derives the rollback state. It ends with InitializeFinished.
func (c *Client) Initialize() (string, error) {
	return c.start(operation{
		name:  "initialize",
		state: Initializing,
		scope: ScopeInit,
		run:   c.initialize,
		failed: func(header Header) Finished {
			return InitializeFinished{Header: header, DefaultRevision: c.sysroot.DefaultRevision()}
		},
	}, false)
}

// FetchServerInfo reads the server metadata without taking a lock scope.
// It ends with FetchServerInfoFinished.
func (c *Client) FetchServerInfo() (string, error) {
	return c.start(operation{
		name:  "fetch-server-info",
		state: FetchingServerInfo,
		run:   c.fetchServerInfo,
		failed: func(header Header) Finished {
			return FetchServerInfoFinished{Header: header}
		},
	}, false)
}

// Update pulls and deploys revision. It ends with UpdateFinished.
func (c *Client) Update(revision ota.Revision) (string, error) {
	return c.start(operation{
		name:  "update",
		state: Updating,
		scope: ScopeUpdate,
		run: func(ctx context.Context, header Header) (Finished, error) {
			return c.update(ctx, header, revision)
		},
		failed: func(header Header) Finished {
			return UpdateFinished{Header: header, Revision: c.sysroot.DefaultRevision()}
		},
	}, false)
}

// Rollback deploys the rollback candidate. It ends with RollbackFinished.
func (c *Client) Rollback() (string, error) {
	return c.start(operation{
		name:  "rollback",
		state: RollingBack,
		scope: ScopeUpdate,
		run:   c.rollback,
		failed: func(header Header) Finished {
			return RollbackFinished{Header: header, Revision: c.sysroot.DefaultRevision()}
		},
	}, false)
}

// Refresh reloads the deployment list and the rollback state. It ends with RefreshFinished.
func (c *Client) Refresh() (string, error) {
	return c.start(c.refreshOperation(), false)
}

func (c *Client) refreshOperation() operation {
	return operation{
		name:  "refresh",
		state: Refreshing,
		run:   c.refresh,
		failed: func(header Header) Finished {
			return RefreshFinished{
				Header:          header,
				DefaultRevision: c.sysroot.DefaultRevision(),
				DeploymentCount: len(c.sysroot.Deployments()),
			}
		},
	}
}

func (c *Client) initialize(ctx context.Context, header Header) (Finished, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}

	event := InitializeFinished{
		Header:          header,
		DefaultRevision: c.sysroot.DefaultRevision(),
		ClientRevision:  c.sysroot.BootedRevision(),
		Success:         true,
	}

	var (
		client, def, server info.Result
		group, gctx    = errgroup.WithContext(ctx)
	)

	group.Go(func() error {
		var err error

		client, err = c.reader.Fetch(gctx, ota.ClientLocal, event.ClientRevision)

		return err
	})

	group.Go(func() error {
		var err error

		def, err = c.reader.Fetch(gctx, ota.DefaultDeployment, event.DefaultRevision)

		return err
	})

	// Offline devices still initialize; the server side stays empty.
	group.Go(func() error {
		var err error

		server, err = c.reader.Fetch(gctx, ota.ServerRemote, "")
		if err != nil {
			logger.WarnKV(ctx, "Server metadata unavailable", "error", err)

			server = info.Result{}
		}

		return nil
	})

	if err := group.Wait(); err != nil {
		return nil, err
	}

	// A failed read above leaves the published rollback state untouched.
	if err := c.refreshRollback(ctx, rollback.AutoDetect()); err != nil {
		return nil, err
	}

	event.ClientInfo = client.Info
	event.DefaultInfo = def.Info
	event.ServerRevision = server.Revision
	event.ServerInfo = server.Info
	event.UpdateAvailable = !server.Revision.IsZero() && server.Revision != event.DefaultRevision

	logger.InfoKV(ctx, "Initialized",
		"default", event.DefaultRevision.Short(),
		"client", event.ClientRevision.Short(),
		"server", event.ServerRevision.Short(),
		"update_available", event.UpdateAvailable)

	return event, nil
}

func (c *Client) fetchServerInfo(ctx context.Context, header Header) (Finished, error) {
	result, err := c.reader.Fetch(ctx, ota.ServerRemote, "")
	if err != nil {
		return nil, err
	}

	return FetchServerInfoFinished{
		Header:         header,
		ServerRevision: result.Revision,
		ServerInfo:     result.Info,
		Success:        true,
	}, nil
}

func (c *Client) update(ctx context.Context, header Header, revision ota.Revision) (Finished, error) {
	if revision.IsZero() {
		return nil, errRevisionRequired
	}

	// Other processes may have deployed since the last read.
	if err := c.reload(ctx, rollback.AutoDetect()); err != nil {
		return nil, err
	}

	c.emit(StatusChanged{Header: header, Message: "Fetching " + revision.Short()})

	pull := []string{
		"pull",
		"--repo=" + c.cfg.RepoPath(),
		c.cfg.Remote,
		c.cfg.Ref + "@" + string(revision),
	}
	if err := c.tool(ctx, header, pull); err != nil {
		return nil, err
	}

	if err := c.deploy(ctx, header, revision); err != nil {
		return nil, err
	}

	if err := c.reload(ctx, rollback.AutoDetect()); err != nil {
		return nil, err
	}

	return UpdateFinished{Header: header, Revision: c.sysroot.DefaultRevision(), Success: true}, nil
}

func (c *Client) rollback(ctx context.Context, header Header) (Finished, error) {
	// The candidate is derived from the list read under the update scope.
	if err := c.reload(ctx, rollback.AutoDetect()); err != nil {
		return nil, err
	}

	state := c.tracker.State()
	if !state.Available() {
		return nil, fmt.Errorf("%d deployment(s): %w", state.DeploymentCount, ota.ErrNoRollbackAvailable)
	}

	if err := c.deploy(ctx, header, state.Revision); err != nil {
		return nil, err
	}

	// The former default is now second in boot order.
	if err := c.reload(ctx, rollback.Explicit(1)); err != nil {
		return nil, err
	}

	return RollbackFinished{Header: header, Revision: c.sysroot.DefaultRevision(), Success: true}, nil
}

func (c *Client) refresh(ctx context.Context, header Header) (Finished, error) {
	if err := c.reload(ctx, rollback.AutoDetect()); err != nil {
		return nil, err
	}

	return RefreshFinished{
		Header:          header,
		DefaultRevision: c.sysroot.DefaultRevision(),
		DeploymentCount: len(c.sysroot.Deployments()),
		Success:         true,
	}, nil
}

// deploy makes revision the default deployment.
func (c *Client) deploy(ctx context.Context, header Header, revision ota.Revision) error {
	c.emit(StatusChanged{Header: header, Message: "Deploying " + revision.Short()})

	return c.tool(ctx, header, []string{
		"admin",
		"deploy",
		"--sysroot=" + c.cfg.Sysroot,
		"--karg-none",
		string(revision),
	})
}

// tool runs the deployment tool with status streaming; a non-zero exit becomes an *ota.ToolError.
func (c *Client) tool(ctx context.Context, header Header, args []string) error {
	result, err := c.runner.Run(ctx, args, c.status(header))
	if err != nil {
		return err
	}

	return result.Err(args)
}

// reload reads the deployment list again and refreshes the rollback state.
func (c *Client) reload(ctx context.Context, selection rollback.Selection) error {
	if err := c.load(ctx); err != nil {
		return err
	}

	return c.refreshRollback(ctx, selection)
}

// load reads the deployment list.
func (c *Client) load(ctx context.Context) error {
	if err := c.sysroot.Load(ctx); err != nil {
		return err
	}

	c.metrics.SetDeployments(len(c.sysroot.Deployments()))

	return nil
}

// refreshRollback recomputes the rollback state from the loaded list.
func (c *Client) refreshRollback(ctx context.Context, selection rollback.Selection) error {
	_, _, err := c.tracker.Refresh(ctx, c.sysroot.Deployments(), selection)

	return err
}
