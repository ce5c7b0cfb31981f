package cli

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/libopenstorage/securestore"
)

// Version information (injected at build time via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, v *viper.Viper, fn func(*securestore.KeyStore) error) error {
	store, err := openStore(v, newLogger(cmd, v))
	if err != nil {
		return err
	}
	err = fn(store)
	if cerr := store.Close(); err == nil {
		err = cerr
	}
	return err
}

func newGetCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored for KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(store *securestore.KeyStore) error {
				value, err := store.GetString(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			})
		},
	}
}

func newSetCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store VALUE under KEY",
		Long: `Store VALUE under KEY, replacing any previous value and policy.

Accessibility tokens: ` + accessibilityTokens(),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(store *securestore.KeyStore) error {
				return store.SetString(cmd.Context(), args[0], args[1], nil)
			})
		},
	}
	cmd.Flags().String(keyAccessible, "",
		"accessibility policy (default "+securestore.DefaultAccessibility.String()+")")
	_ = v.BindPFlag(keyAccessible, cmd.Flags().Lookup(keyAccessible))
	return cmd
}

func newRemoveCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "remove KEY",
		Aliases: []string{"rm"},
		Short:   "Remove the entry stored for KEY",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(store *securestore.KeyStore) error {
				return store.Remove(cmd.Context(), args[0])
			})
		},
	}
}

func newResetOnUninstallCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-on-uninstall true|false",
		Short: "Request that entries are purged when the application is reinstalled",
		Long: `Request that entries are purged when the application is reinstalled.
Prints the setting the backend actually enforces.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("invalid value %q, expected true or false", args[0])
			}
			return withStore(cmd, v, func(store *securestore.KeyStore) error {
				fmt.Fprintln(cmd.OutOrStdout(), store.SetResetOnAppUninstallTo(enabled))
				return nil
			})
		},
	}
}

func newBackendsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the backends available in this build",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range securestore.Backends() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "securestore version %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Git commit: %s\n", GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "Build date: %s\n", BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func accessibilityTokens() string {
	var tokens string
	for i, a := range securestore.Accessibilities() {
		if i > 0 {
			tokens += ", "
		}
		tokens += a.String()
	}
	return tokens
}
