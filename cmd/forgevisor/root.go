package main

import (
	"github.com/spf13/cobra"
)

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	c := command{global: global}

	root := &cobra.Command{
		Use:   "forgevisor",
		Short: "Build and supervise a multi-process server cluster",
		Long: `forgevisor fetches the source of a server cluster, builds it stage by
stage with resume support, and runs the resulting servers under supervision.

Examples:
  forgevisor download
  forgevisor build                  # resumes after the last good stage
  forgevisor build --reset login    # rebuild one stage
  forgevisor run                    # blocks until Ctrl+C
  forgevisor status --json
  forgevisor stop --name login`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file (default forgevisor.toml)")
	root.PersistentFlags().StringVar(&global.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&global.NoColor, "no-color", false, "disable colored console logs")

	root.AddCommand(
		createDownloadCommand(c),
		createBuildCommand(c),
		createRunCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createUninstallCommand(c),
		createDebugRunCommand(c),
		createCheckCommand(c),
		createLogsCommand(c),
	)
	return root
}

func createDownloadCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Clone or update the server source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Download(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createBuildCommand(c command) *cobra.Command {
	f := &BuildFlags{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build every stage not yet succeeded",
		Long: `Build runs the configured stages in ordinal order. Stages that
succeeded earlier are skipped. A stage that failed for tool reasons is
retried up to build.max_attempts across invocations; use --reset to
clear its attempt count. An unreadable checkpoint is only discarded after
confirmation on a terminal, or with --reset-all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Build(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Reset, "reset", "", "forget progress of one stage before building")
	cmd.Flags().BoolVar(&f.ResetAll, "reset-all", false, "forget progress of every stage before building")
	cmd.MarkFlagsMutuallyExclusive("reset", "reset-all")
	return cmd
}

func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start and supervise all servers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context())
		},
	}
}

func createStopCommand(c command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop running servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringSliceVar(&f.Names, "name", nil, "server to stop (repeatable; default all)")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show servers, host resources and build progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createUninstallCommand(c command) *cobra.Command {
	f := &UninstallFlags{}
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop servers and remove build outputs, release, run data and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Uninstall(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVarP(&f.Yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func createDebugRunCommand(c command) *cobra.Command {
	f := &DebugRunFlags{}
	cmd := &cobra.Command{
		Use:   "debug-run",
		Short: "Run one server in the foreground without supervision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.DebugRun(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "server name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createCheckCommand(c command) *cobra.Command {
	f := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check tools, host resources, source, binaries and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createLogsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Print the log directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.OutOrStdout())
		},
	}
}
