package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath   string
	redisURLFlag string
	instanceFlag string
	verbose      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "objproxy",
	Short: "objproxy - Inspect and drive a Redis-backed object proxy",
	Long: `objproxy reads and writes schema-typed records through the object proxy,
the same client-side cache and request coordinator applications embed.

Records live in Redis, namespaced by instance. Every write is published on
the instance's record event channel, so running proxies (and objproxy watch)
see changes made by any client.

Configuration is read from objproxy.yml (or --config) and may be
overridden by OBJPROXY_* environment variables and the flags below.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default objproxy.yml if present)")
	rootCmd.PersistentFlags().StringVar(&redisURLFlag, "redis-url", "", "Redis URL (overrides config and OBJPROXY_REDIS_URL)")
	rootCmd.PersistentFlags().StringVarP(&instanceFlag, "instance", "n", "", "Instance namespace (overrides config and OBJPROXY_INSTANCE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging to stderr")
}
