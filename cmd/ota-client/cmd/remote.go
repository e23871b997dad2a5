package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oshokin/ota-client/internal/service/lock"
	"github.com/oshokin/ota-client/internal/service/remote"
)

var (
	// remoteConfig collects the flags of `remote set`.
	remoteConfig remote.Config

	// remoteCmd groups repository configuration commands.
	remoteCmd = &cobra.Command{
		Use:   "remote",
		Short: "Manage the update repository configuration",
	}

	remoteSetCmd = &cobra.Command{
		Use:   "set <url>",
		Short: "Configure the remote named in the settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := remoteConfig
			cfg.Name = settings.Remote
			cfg.URL = args[0]

			return remoteStore().Set(cmd.Context(), cfg)
		},
	}

	remoteShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the configuration of the remote named in the settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := remoteStore().Get(settings.Remote)
			if err != nil {
				return err
			}

			data, err := cfg.Marshal()
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)

			return err
		},
	}

	remoteRemoveCmd = &cobra.Command{
		Use:   "remove",
		Short: "Delete the configuration of the remote named in the settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := remoteStore().Remove(cmd.Context(), settings.Remote); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "remote %s removed\n", settings.Remote)

			return nil
		},
	}
)

// remoteStore creates a store guarded by the configured lock directory.
func remoteStore() *remote.Store {
	locks := lock.NewManager(settings.LockDir, lock.WithTimeout(settings.LockTimeout))

	return remote.NewStore(settings.Sysroot, locks)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := remoteSetCmd.Flags()
	flags.BoolVar(&remoteConfig.GPGVerify, "gpg-verify", true, "verify commit signatures")
	flags.BoolVar(&remoteConfig.TLSPermissive, "tls-permissive", false, "accept invalid server certificates")
	flags.StringVar(&remoteConfig.TLSClientCertPath, "tls-client-cert", "", "client certificate path")
	flags.StringVar(&remoteConfig.TLSClientKeyPath, "tls-client-key", "", "client key path")
	flags.StringVar(&remoteConfig.TLSCAPath, "tls-ca", "", "CA certificate path")

	remoteCmd.AddCommand(remoteSetCmd, remoteShowCmd, remoteRemoveCmd)
}
