package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/tether/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree. Commands other than run talk to
// a running daemon through the control API.
func buildRoot() *cobra.Command {
	runFlags := &RunFlags{}
	apiFlags := &APIFlags{}
	c := command{}

	root := createRootCommand(apiFlags)
	root.AddCommand(
		createRunCommand(c, runFlags),
		createStartCommand(c, apiFlags),
		createStopCommand(c, apiFlags),
		createRestartCommand(c, apiFlags),
		createStatusCommand(c, apiFlags),
	)
	return root
}

func createRootCommand(flags *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tether",
		Short: "Supervise long-running processes from an ecosystem file",
		Long: `Tether launches the apps described in an ecosystem file, restarts them
according to their policy, enforces memory limits and routes their output
to log files.

Examples:
  tether run -c ecosystem.toml      # Supervise in the foreground
  tether status                     # Show every instance
  tether restart --name=web         # Restart all instances of web
  tether stop --name=web-2 --wait=5s`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.URL, "api-url", client.DefaultBaseURL, "control API of the running daemon")
	root.PersistentFlags().DurationVar(&flags.Timeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.Insecure, "api-insecure", false, "skip TLS verification for https API URLs")
	root.PersistentFlags().StringVar(&flags.CACert, "api-ca", "", "CA certificate for https API URLs")
	return root
}

func createRunCommand(c command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [ecosystem file]",
		Short: "Start the supervisor in the foreground",
		Long: `Load an ecosystem file and supervise every app in it until SIGINT or
SIGTERM. The file may be TOML, YAML or JSON.

Examples:
  tether run -c ecosystem.toml
  tether run ecosystem.yaml --log-level=debug
  tether run -c ecosystem.toml --daemonize --pidfile=/run/tether.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.ConfigPath = args[0]
			}
			return c.Run(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "ecosystem file")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "override log.level from the file")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the supervisor PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon stdout/stderr to this file")
	return cmd
}

func createStartCommand(c command, api *APIFlags) *cobra.Command {
	f := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a stopped app or instance",
		Long: `Start an app (all of its instances) or one instance by name.
Running instances are left alone.

Examples:
  tether start --name=web
  tether start --name=web-2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), cmd.OutOrStdout(), *api, *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app or instance name")
	return cmd
}

func createStopCommand(c command, api *APIFlags) *cobra.Command {
	f := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an app or instance",
		Long: `Stop an app or one instance gracefully. The command returns once the
children have exited or --wait runs out; in the latter case the daemon
keeps stopping them.

Examples:
  tether stop --name=web
  tether stop --name=web --wait=5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), *api, *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app or instance name")
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "how long to wait for exit (daemon default when 0)")
	return cmd
}

func createRestartCommand(c command, api *APIFlags) *cobra.Command {
	f := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart an app or instance",
		Long: `Stop and start an app or one instance. The restart delay is not applied.

Examples:
  tether restart --name=web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), cmd.OutOrStdout(), *api, *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app or instance name")
	return cmd
}

func createStatusCommand(c command, api *APIFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show instance status",
		Long: `Show the status of supervised instances.

Examples:
  tether status                     # Every instance
  tether status --name=web          # Instances of one app
  tether status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *api, *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app or instance name (optional)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
	return cmd
}
