package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/service/orchestrator"
	"github.com/oshokin/ota-client/internal/service/power"
)

var (
	errOperationFailed = errors.New("operation failed")

	// reboot restarts the device after a successful deployment change.
	reboot bool

	// initCmd loads the deployment state and compares it with the server.
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Show the deployed, booted and server revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequest(cmd.Context(), cmd.OutOrStdout(), (*orchestrator.Client).Initialize)
		},
	}

	// fetchCmd reads the server metadata only.
	fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the metadata of the newest server revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequest(cmd.Context(), cmd.OutOrStdout(), (*orchestrator.Client).FetchServerInfo)
		},
	}

	// updateCmd pulls and deploys a revision.
	updateCmd = &cobra.Command{
		Use:   "update <revision>",
		Short: "Pull and deploy a revision, it boots on the next restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runRequest(cmd.Context(), cmd.OutOrStdout(), func(c *orchestrator.Client) (string, error) {
				return c.Update(ota.Revision(args[0]))
			})

			return rebootAfter(cmd.Context(), err)
		},
	}

	// rollbackCmd makes the rollback deployment the default one.
	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Make the rollback deployment the default one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := runRequest(cmd.Context(), cmd.OutOrStdout(), (*orchestrator.Client).Rollback)

			return rebootAfter(cmd.Context(), err)
		},
	}
)

// rebootAfter restarts the device when requested and the operation succeeded.
func rebootAfter(ctx context.Context, err error) error {
	if err != nil || !reboot {
		return err
	}

	logger.Info(ctx, "Rebooting into the new default deployment")

	return power.NewRebooter(nil).Reboot(ctx)
}

// runRequest issues one request, logs its progress and prints its outcome.
func runRequest(
	ctx context.Context,
	out io.Writer,
	request func(*orchestrator.Client) (string, error),
) error {
	client, err := orchestrator.New(settings)
	if err != nil {
		return err
	}

	id, err := request(client)
	if err != nil {
		_ = client.Close()

		return err
	}

	ctx = logger.WithKV(ctx, "request_id", id)

	var failure error

	for ev := range client.Events() {
		if ev.Request() != id {
			continue
		}

		logEvent(ctx, ev)

		if occurred, ok := ev.(orchestrator.ErrorOccurred); ok {
			failure = occurred.Err
		}

		finished, ok := ev.(orchestrator.Finished)
		if !ok {
			continue
		}

		printFinished(out, finished)

		_ = client.Close()

		if !finished.Succeeded() {
			if failure == nil {
				failure = errOperationFailed
			}

			return failure
		}

		return nil
	}

	return errOperationFailed
}

// logEvent writes a non-terminal event to the log.
func logEvent(ctx context.Context, ev orchestrator.Event) {
	switch e := ev.(type) {
	case orchestrator.StatusChanged:
		logger.Info(ctx, e.Message)
	case orchestrator.RollbackChanged:
		logger.InfoKV(ctx, "Rollback candidate changed",
			"revision", e.Revision.Short(),
			"version", e.Info.Version(),
			"deployments", e.DeploymentCount)
	case orchestrator.ErrorOccurred:
		logger.ErrorKV(ctx, "Operation failed", "operation", e.Operation, "error", e.Message)
	}
}

// printFinished renders a terminal event for the user.
func printFinished(out io.Writer, finished orchestrator.Finished) {
	switch e := finished.(type) {
	case orchestrator.InitializeFinished:
		if !e.Success {
			return
		}

		printRevision(out, "default", e.DefaultRevision, e.DefaultInfo)
		printRevision(out, "booted", e.ClientRevision, e.ClientInfo)
		printRevision(out, "server", e.ServerRevision, e.ServerInfo)
		_, _ = fmt.Fprintf(out, "update available: %t\n", e.UpdateAvailable)
		_, _ = fmt.Fprintf(out, "server release newer: %t\n", e.ServerInfo.NewerThan(e.DefaultInfo))
	case orchestrator.FetchServerInfoFinished:
		if e.Success {
			printRevision(out, "server", e.ServerRevision, e.ServerInfo)
		}
	case orchestrator.UpdateFinished:
		printRevision(out, "default", e.Revision, nil)
	case orchestrator.RollbackFinished:
		printRevision(out, "default", e.Revision, nil)
	case orchestrator.RefreshFinished:
		printRevision(out, "default", e.DefaultRevision, nil)
	}
}

// printRevision prints one revision line with its version when known.
func printRevision(out io.Writer, label string, revision ota.Revision, info *ota.DeploymentInfo) {
	if revision.IsZero() {
		_, _ = fmt.Fprintf(out, "%s: none\n", label)

		return
	}

	if version := info.Version(); version != "" {
		_, _ = fmt.Fprintf(out, "%s: %s (%s)\n", label, revision, version)

		return
	}

	_, _ = fmt.Fprintf(out, "%s: %s\n", label, revision)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	updateCmd.Flags().BoolVar(&reboot, "reboot", false, "reboot after a successful update")
	rollbackCmd.Flags().BoolVar(&reboot, "reboot", false, "reboot after a successful rollback")
}
