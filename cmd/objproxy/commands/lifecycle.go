package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/objectproxy/internal/printer"
	"github.com/dyluth/objectproxy/pkg/proxy"
)

var lifecycleData []string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Announce a user login to every proxy",
	Long: `Publish User.Login on the instance's event channel.

Running proxies re-fetch everything they have requested so far, so records
hidden from the previous user are replaced by what the new user may see.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return raiseLifecycle(cmd, proxy.LifecycleLogin)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Announce a user logout to every proxy",
	Long: `Publish User.Logout on the instance's event channel.

Running proxies drop every cached record and list.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return raiseLifecycle(cmd, proxy.LifecycleLogout)
	},
}

var raiseCmd = &cobra.Command{
	Use:   "raise EVENT",
	Short: "Publish an arbitrary lifecycle event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return raiseLifecycle(cmd, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, logoutCmd, raiseCmd} {
		c.Flags().StringArrayVarP(&lifecycleData, "data", "d", nil, "Event data (key=value, repeatable)")
		rootCmd.AddCommand(c)
	}
}

func raiseLifecycle(cmd *cobra.Command, name string) error {
	data, err := parseAssignments(lifecycleData)
	if err != nil {
		return printer.Error("invalid event data", err.Error(), nil)
	}
	if len(data) == 0 {
		data = nil
	}

	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.store.PublishLifecycle(ctx, name, data); err != nil {
		return printer.Error("failed to publish event", err.Error(), nil)
	}
	printer.Success("Published %s to instance '%s'\n", name, s.cfg.Instance)
	return nil
}
