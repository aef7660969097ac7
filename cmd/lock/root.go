package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/plock/cmd/util"
	"github.com/ValentinKolb/plock/lib/filelock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

var (
	plog    = logger.GetLogger("cli")
	lockMgr *filelock.Manager

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Perform lock operations",
		PersistentPreRunE: setupLockManager,
	}

	// statusCmd represents the status command
	statusCmd = &cobra.Command{
		Use:   "status [path]...",
		Short: "Show who is holding the lock on a path",
		Long:  "Show the lock file of each path and the processes holding a lock on it. Process information is read from /proc/locks and only available on Linux.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStatus,
	}

	// execCmd represents the exec command
	execCmd = &cobra.Command{
		Use:   "exec [path] -- [command] [args]...",
		Short: "Run a command while holding a lock",
		Long:  "Acquire a lock on path, run the command and release the lock when the command exits. plock exits with the exit status of the command.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runExec,
	}

	// holdCmd represents the hold command
	holdCmd = &cobra.Command{
		Use:   "hold [path]",
		Short: "Acquire a lock and hold it until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runHold,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add subcommands to lock command
	LockCommands.AddCommand(statusCmd)
	LockCommands.AddCommand(execCmd)
	LockCommands.AddCommand(holdCmd)
	LockCommands.AddCommand(perfCmd)

	// Add flags
	key := "lock-suffix"
	LockCommands.PersistentFlags().String(key, ".lock", util.WrapString("Suffix appended to a path to name its lock file. An empty suffix locks the path itself"))

	key = "keep-lockfile"
	LockCommands.PersistentFlags().Bool(key, false, util.WrapString("Keep the lock file after the lock is released"))

	key = "poll-min-ms"
	LockCommands.PersistentFlags().Int(key, 1, util.WrapString("Initial interval in milliseconds between attempts to take a lock held by another process"))

	key = "poll-max-ms"
	LockCommands.PersistentFlags().Int(key, 100, util.WrapString("Maximum interval in milliseconds between attempts to take a lock held by another process"))

	key = "metrics"
	LockCommands.PersistentFlags().Bool(key, false, util.WrapString("Print the lock metrics in Prometheus format to stderr when the command is done"))

	for _, cmd := range []*cobra.Command{execCmd, holdCmd} {
		key = "shared"
		cmd.Flags().Bool(key, false, util.WrapString("Acquire a shared lock instead of an exclusive one"))

		key = "timeout"
		cmd.Flags().Int(key, 0, util.WrapString("Timeout in seconds to wait for the lock (0 waits until the lock is granted)"))
	}
}

// setupLockManager initializes the lock manager
func setupLockManager(cmd *cobra.Command, _ []string) error {
	if err := util.SetupCommand(cmd); err != nil {
		return err
	}
	lockMgr = filelock.NewFileLockManager(util.GetManagerOptions())
	return nil
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for i, path := range args {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprint(out, filelock.Format(lockMgr.GetLockInfo(path)))
	}
	return nil
}

// runExec handles the exec command
func runExec(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path, command := args[0], args[1:]

	lock, err := acquire(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, lock.Close())
		printMetrics()
	}()

	child := exec.Command(command[0], command[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()

	plog.Debugf("running %v while holding %s lock on %s", command, lock.Mode(), path)
	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &util.ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to run %s: %v", command[0], err)
	}
	return nil
}

// runHold handles the hold command
func runHold(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := args[0]

	lock, err := acquire(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "holding %s lock on %s (lock file %s)\n", lock.Mode(), path, lock.LockfilePath())

	<-ctx.Done()

	err = lock.Close()
	printMetrics()
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released lock on %s\n", path)
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// acquire takes the lock on path with the configured mode and timeout
func acquire(ctx context.Context, path string) (*filelock.LockedPath, error) {
	mode := util.GetLockMode()

	var lock *filelock.LockedPath
	var err error
	if timeout := util.GetTimeout(); timeout > 0 {
		lock, err = lockMgr.TryAcquire(ctx, path, mode, timeout)
	} else {
		lock, err = lockMgr.Acquire(ctx, path, mode)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return lock, nil
}

// printMetrics writes the lock metrics to stderr if requested
func printMetrics() {
	if viper.GetBool("metrics") {
		lockMgr.WriteMetrics(os.Stderr)
	}
}
