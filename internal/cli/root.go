// Package cli implements the securestore command line tool.
package cli

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/libopenstorage/securestore"
)

const (
	envPrefix = "SECURESTORE"

	keyBackend     = "backend"
	keyVerbose     = "verbose"
	keyDeviceState = "device-state"
	keyAccessible  = "accessible"
	keyBackends    = "backends"

	defaultBackend = "keystore"
)

// NewRootCommand returns the securestore command with all subcommands.
// Settings are resolved from flags, SECURESTORE_* environment variables
// and the config file, in that order.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyBackend, defaultBackend)

	var configFile string
	cmd := &cobra.Command{
		Use:   "securestore",
		Short: "securestore - store secrets with accessibility policies",
		Long: `securestore reads and writes secrets through one of the registered
secure storage backends.

Each entry carries an accessibility policy deciding whether it can be
read in the current device lock state. Use --device-state to simulate
a locked or freshly booted device.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			return v.ReadInConfig()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")
	flags.String(keyBackend, defaultBackend, "backend to use, see the backends command")
	flags.BoolP(keyVerbose, "v", false, "verbose output")
	flags.String(keyDeviceState, "", "simulated device lock state (unlocked, locked, booted)")
	for _, name := range []string{keyBackend, keyVerbose, keyDeviceState} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(
		newGetCommand(v),
		newSetCommand(v),
		newRemoveCommand(v),
		newResetOnUninstallCommand(v),
		newBackendsCommand(),
		newVersionCommand(),
	)
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		cmd.PrintErrln("Error:", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, securestore.ErrNotFound):
		return 2
	case errors.Is(err, securestore.ErrAccessDenied):
		return 3
	}
	return 1
}

func newLogger(cmd *cobra.Command, v *viper.Viper) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	if v.GetBool(keyVerbose) {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
