package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree writing results to out.
func buildRoot(out io.Writer) *cobra.Command {
	c := &command{out: out}
	root := createRootCommand(c)

	root.AddCommand(
		createServeCommand(c, &ServeFlags{}),
		createAddCommand(c, &AddFlags{}),
		createListCommand(c, &ListFlags{}),
		createStatusCommand(c),
		createSetCommand(c, &SetFlags{}),
		createRemoveCommand(c),
		createStartCommand(c),
		createStopCommand(c, &StopFlags{}),
		createCopyCommand(c),
		createMoveCommand(c, &MoveFlags{}),
		createBuildCommand(c, &BuildFlags{}),
		createLogsCommand(c, &LogsFlags{}),
		createWriteCommand(c, &WriteFlags{}),
		createClearCommand(c),
		createExportCommand(c, &ExportFlags{}),
		createSearchCommand(c, &SearchFlags{}),
		createSelectCommand(c, &SelectFlags{}),
		createResourcesCommand(c),
		createStartAllCommand(c),
		createStopAllCommand(c),
		createClearAllCommand(c),
		createSaveCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the connection flags
// shared by every remote command.
func createRootCommand(c *command) *cobra.Command {
	root := &cobra.Command{
		Use:   "svcmon",
		Short: "svcmon - supervise programs and capture their output",
		Long: `svcmon keeps an ordered list of programs, starts and stops them on
request, captures everything they print and can rebuild them from source.

Run 'svcmon serve' to start the daemon; every other command talks to it.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.api.APIUrl, "api-url", "http://127.0.0.1:8080/api", "daemon API URL")
	pf.DurationVar(&c.api.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	pf.StringVar(&c.api.CACert, "ca-cert", "", "CA certificate for a TLS daemon")
	pf.BoolVar(&c.api.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}

func createServeCommand(c *command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the svcmon daemon",
		Long: `Run the daemon: restore the saved slot list, start every slot not under
manual control and serve the HTTP API until interrupted. On shutdown all
programs are stopped and the list is saved.

Examples:
  svcmon serve
  svcmon serve --config svcmon.toml
  svcmon serve --listen 0.0.0.0:9000 --store sqlite:///var/lib/svcmon/slots.db
  svcmon serve --daemonize --pidfile svcmon.pid --logfile svcmon.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(*f)
		},
	}
	cmd.Flags().StringVar(&f.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override server.listen")
	cmd.Flags().StringVar(&f.StoreDSN, "store", "", "override store.dsn")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output here when daemonized")
	return cmd
}

func createAddCommand(c *command, f *AddFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add PROGRAM [-- ARGS...]",
		Short: "Add a slot",
		Long: `Add a program to the end of the slot list and print its handle.
Arguments may be given after -- or as one string with --args.

Examples:
  svcmon add ./bin/server -- -c "my conf.ini"
  svcmon add ./bin/worker --args '-v --queue jobs' --work-dir ./run
  svcmon add ./scripts/migrate.sh --manual`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.FileName = args[0]
			if len(args) > 1 {
				if ff.Args != "" {
					return fmt.Errorf("use either --args or arguments after --, not both")
				}
				ff.Args = joinArgs(args[1:])
			}
			return c.Add(cmd.Context(), ff)
		},
	}
	cmd.Flags().StringVar(&f.Args, "args", "", "argument string")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory (defaults to the program's directory)")
	cmd.Flags().BoolVar(&f.Manual, "manual", false, "never start automatically")
	cmd.Flags().BoolVar(&f.AutoScroll, "auto-scroll", false, "viewers follow new output")
	return cmd
}

func createListCommand(c *command, f *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List slots",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status SLOT",
		Short: "Show one slot as JSON",
		Long: `Show one slot. SLOT is a handle or a position in the list.

Examples:
  svcmon status 0
  svcmon status 5f0c2a7e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args[0])
		},
	}
}

func createSetCommand(c *command, f *SetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set SLOT",
		Short: "Change a slot's settings",
		Long: `Change a slot's program, arguments, working directory or flags. Only
the flags given are changed; a running program keeps its old settings until
it is restarted.

Examples:
  svcmon set 0 --args '--port 9000'
  svcmon set 2 --manual=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			ff.changed = map[string]bool{}
			for _, name := range []string{"file", "args", "work-dir", "manual", "auto-scroll"} {
				ff.changed[name] = cmd.Flags().Changed(name)
			}
			return c.Set(cmd.Context(), ff)
		},
	}
	cmd.Flags().StringVar(&f.FileName, "file", "", "program path")
	cmd.Flags().StringVar(&f.Args, "args", "", "argument string")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().BoolVar(&f.Manual, "manual", false, "never start automatically")
	cmd.Flags().BoolVar(&f.AutoScroll, "auto-scroll", false, "viewers follow new output")
	return cmd
}

func createRemoveCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "remove SLOT",
		Aliases: []string{"rm"},
		Short:   "Remove a slot, stopping its program",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(cmd.Context(), args[0])
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start SLOT",
		Short: "Start a slot's program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), args[0])
		},
	}
}

func createStopCommand(c *command, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop SLOT",
		Short: "Stop a slot's program",
		Long: `Stop a slot's program: interrupt, wait, then kill the process group.
Slots created with stopping disabled refuse unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			return c.Stop(cmd.Context(), ff)
		},
	}
	cmd.Flags().BoolVar(&f.Force, "force", false, "stop even when stopping is disabled")
	return cmd
}

func createCopyCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "copy SLOT",
		Short: "Duplicate a slot directly after itself",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Copy(cmd.Context(), args[0])
		},
	}
}

func createMoveCommand(c *command, f *MoveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move SLOT",
		Short: "Reorder a slot",
		Long: `Move a slot by a relative offset or to an absolute position.

Examples:
  svcmon move 3 --delta -1
  svcmon move 3 --to 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			ff.hasTo = cmd.Flags().Changed("to")
			return c.Move(cmd.Context(), ff)
		},
	}
	cmd.Flags().IntVar(&f.Delta, "delta", 0, "relative offset")
	cmd.Flags().IntVar(&f.To, "to", 0, "absolute position")
	return cmd
}

func createBuildCommand(c *command, f *BuildFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build SLOT",
		Short: "Rebuild a slot's program",
		Long: `Stop the program, run its build script and, with --run, start it again
if the build succeeded. Build output goes to the slot's log.

Examples:
  svcmon build 0
  svcmon build 0 --run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			return c.Build(cmd.Context(), ff)
		},
	}
	cmd.Flags().BoolVar(&f.Run, "run", false, "start the program after a successful build")
	return cmd
}

func createLogsCommand(c *command, f *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs SLOT",
		Short: "Print a slot's captured output",
		Long: `Print a slot's log, coloured by severity.

Examples:
  svcmon logs 0
  svcmon logs 0 --from 100
  svcmon logs 0 -f`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			return c.Logs(cmd.Context(), ff)
		},
	}
	cmd.Flags().IntVar(&f.From, "from", 0, "first line index")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing new lines")
	cmd.Flags().DurationVar(&f.Interval, "interval", 500*time.Millisecond, "poll interval with --follow")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print one JSON object per line")
	return cmd
}

func createWriteCommand(c *command, f *WriteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write SLOT TEXT...",
		Short: "Append an operator line to a slot's log",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			ff.Text = strings.Join(args[1:], " ")
			return c.Write(cmd.Context(), ff)
		},
	}
	cmd.Flags().StringVar(&f.Severity, "severity", "notice", "info, notice or error")
	return cmd
}

func createClearCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "clear SLOT",
		Short: "Clear a slot's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Clear(cmd.Context(), args[0])
		},
	}
}

func createExportCommand(c *command, f *ExportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export SLOT",
		Short: "Save a slot's log as text",
		Long: `Write a slot's log as plain text, one line per entry.

Examples:
  svcmon export 0 > server.log
  svcmon export 0 -o server.log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			return c.Export(cmd.Context(), ff)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func createSearchCommand(c *command, f *SearchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search SLOT PATTERN",
		Short: "Find log lines",
		Long: `Print the indices of matching log lines. With --from, print only the
next match after (or with --backward, before) that index.

Examples:
  svcmon search 0 error
  svcmon search 0 'timeout after \d+ms' --regex
  svcmon search 0 panic --from 120 --backward`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref, ff.Pattern = args[0], args[1]
			if !cmd.Flags().Changed("from") {
				ff.From = -1
			}
			return c.Search(cmd.Context(), ff)
		},
	}
	cmd.Flags().BoolVar(&f.Regex, "regex", false, "treat PATTERN as a regular expression")
	cmd.Flags().BoolVar(&f.CaseSensitive, "case-sensitive", false, "match case")
	cmd.Flags().IntVar(&f.From, "from", 0, "start index for find-next")
	cmd.Flags().BoolVar(&f.Backward, "backward", false, "search towards older lines")
	return cmd
}

func createSelectCommand(c *command, f *SelectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select SLOT [INDEX]",
		Short: "Show or change a slot's selected log line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ff := *f
			ff.Ref = args[0]
			if len(args) == 2 {
				if _, err := fmt.Sscan(args[1], &ff.Index); err != nil {
					return fmt.Errorf("invalid index %q", args[1])
				}
				ff.hasIndex = true
			}
			return c.Select(cmd.Context(), ff)
		},
	}
	cmd.Flags().BoolVar(&f.Clear, "clear", false, "clear the selection")
	return cmd
}

func createResourcesCommand(c *command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resources SLOT",
		Short: "Show CPU and memory use of a slot's program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Resources(cmd.Context(), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON including history")
	return cmd
}

func createStartAllCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start every slot that is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StartAll(cmd.Context())
		},
	}
}

func createStopAllCommand(c *command) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopAll(cmd.Context(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also stop slots with stopping disabled")
	return cmd
}

func createClearAllCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-all",
		Short: "Clear every slot's log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ClearAll(cmd.Context())
		},
	}
}

func createSaveCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Persist the slot list now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Save(cmd.Context())
		},
	}
}
