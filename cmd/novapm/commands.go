package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/novapm/novapm/internal/procspec"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check whether the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("daemon.ping", nil)
		},
	}
}

func newStartCmd() *cobra.Command {
	var (
		script          string
		args            []string
		workdir         string
		env             []string
		pidfile         string
		instances       int
		autoRestart     bool
		maxRestarts     int
		restartInterval time.Duration
		killTimeout     time.Duration
		maxMemory       string
	)
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			var maxMem int64
			if maxMemory != "" {
				n, err := humanize.ParseBytes(maxMemory)
				if err != nil {
					return fmt.Errorf("invalid --max-memory-restart %q: %w", maxMemory, err)
				}
				maxMem = int64(n)
			}
			spec := procspec.Spec{
				Name:            cmdArgs[0],
				Script:          script,
				Args:            args,
				WorkDir:         workdir,
				Env:             env,
				PIDFile:         pidfile,
				Instances:       instances,
				AutoRestart:     autoRestart,
				MaxRestarts:     maxRestarts,
				RestartInterval: restartInterval,
				KillTimeout:     killTimeout,
				MaxMemoryRestart: maxMem,
			}
			return callAndPrint("process.start", spec)
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "command/script to run (required)")
	cmd.Flags().StringSliceVar(&args, "arg", nil, "argument to append (repeatable)")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory")
	cmd.Flags().StringSliceVar(&env, "env", nil, "KEY=VALUE environment entry (repeatable)")
	cmd.Flags().StringVar(&pidfile, "pidfile", "", "PID file for externally-managed detection")
	cmd.Flags().IntVar(&instances, "instances", 1, "number of instances (use -1 for \"max\"/NumCPU)")
	cmd.Flags().BoolVar(&autoRestart, "auto-restart", true, "restart automatically on exit")
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", 0, "maximum restarts (0 = unlimited)")
	cmd.Flags().DurationVar(&restartInterval, "restart-interval", 0, "fixed delay between restarts")
	cmd.Flags().DurationVar(&killTimeout, "kill-timeout", 0, "grace period between SIGINT and SIGKILL")
	cmd.Flags().StringVar(&maxMemory, "max-memory-restart", "", "restart when RSS exceeds this size (e.g. 512M)")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newStopCmd() *cobra.Command {
	var force bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			return callAndPrint("process.stop", map[string]any{
				"name": cmdArgs[0], "force": force, "wait": wait,
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "send SIGKILL immediately")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "grace period before escalating")
	return cmd
}

func newRestartCmd() *cobra.Command {
	var force bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			return callAndPrint("process.restart", map[string]any{
				"name": cmdArgs[0], "force": force, "wait": wait,
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "send SIGKILL immediately")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "grace period before escalating")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Stop a process and forget its bookkeeping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("process.delete", map[string]any{"name": args[0]})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every managed process instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			sts, err := callStatuses("process.list", nil)
			if err != nil {
				return err
			}
			printJSON(sts)
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show status for every instance of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sts, err := callStatuses("process.info", map[string]any{"name": args[0]})
			if err != nil {
				return err
			}
			printJSON(sts)
			return nil
		},
	}
}

func newScaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scale <name> <instances>",
		Short: `Resize a process's instance count ("max" resolves to NumCPU, "auto" keeps the current count)`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("process.scale", map[string]any{
				"name": args[0], "instances": args[1],
			})
		},
	}
}

func newLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show recent captured stdout/stderr lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("logs.recent", map[string]any{"name": args[0], "lines": lines})
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of lines to show")
	return cmd
}

func newGroupCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "group",
		Short: "Operate on named process groups declared in configuration",
	}

	start := &cobra.Command{
		Use:  "start <group>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("group.start", map[string]any{"name": args[0]})
		},
	}
	stop := &cobra.Command{
		Use:  "stop <group>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("group.stop", map[string]any{"name": args[0]})
		},
	}
	root.AddCommand(start, stop)
	return root
}
