package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ValentinKolb/plock/cmd/lock"
	"github.com/ValentinKolb/plock/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "plock",
		Short: "cooperative file locks",
		Long: fmt.Sprintf(`plock (v%s)

Shared and exclusive locks on filesystem paths, backed by OS advisory
locks so that independent processes cooperate on the same files.`, Version),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of plock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("plock v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	err := RootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	var exitErr *util.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
