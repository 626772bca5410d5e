package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/loykin/svcmon"
)

// Serve runs the daemon in the foreground until SIGINT or SIGTERM.
func (c *command) Serve(f ServeFlags) error {
	if f.Daemonize {
		return daemonize(f.LogFile)
	}

	conf, err := svcmon.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.Listen != "" {
		conf.Server.Listen = f.Listen
	}
	if f.StoreDSN != "" {
		conf.Store.DSN = f.StoreDSN
	}

	log, closer, err := svcmon.NewLogger(conf)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	d, err := svcmon.NewDaemon(conf, log)
	if err != nil {
		return err
	}

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// daemonArgs drops the daemonize flag so the child runs in the
// foreground with otherwise identical arguments.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || strings.HasPrefix(a, "--daemonize=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// daemonize re-executes the current binary detached from the terminal.
// The child writes its own PID file.
func daemonize(logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204 -- re-executing ourselves
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func writePidFile(pidFile string, pid int) error {
	// #nosec G302
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o644)
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
