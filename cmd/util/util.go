package util

import (
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/plock/lib/filelock"
	"github.com/ValentinKolb/plock/lib/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// ExitError makes plock exit with Code without printing an error message.
// It is used to pass on the exit status of a child command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return "exit status " + strconv.Itoa(e.Code)
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("plock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// SetupCommand binds the flags of cmd to viper and configures the loggers
func SetupCommand(cmd *cobra.Command) error {
	if err := BindCommandFlags(cmd); err != nil {
		return err
	}
	level := viper.GetString("log-level")
	if level == "" {
		level = "warn"
	}
	return logging.InitLoggers(level)
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetManagerOptions reads the lock manager options from viper
func GetManagerOptions() *filelock.Options {
	opts := filelock.DefaultOptions()
	if viper.IsSet("lock-suffix") {
		opts.LockSuffix = viper.GetString("lock-suffix")
	}
	opts.DeleteOnRelease = !viper.GetBool("keep-lockfile")
	if ms := viper.GetInt("poll-min-ms"); ms > 0 {
		opts.PollMinInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := viper.GetInt("poll-max-ms"); ms > 0 {
		opts.PollMaxInterval = time.Duration(ms) * time.Millisecond
	}
	return opts
}

// GetLockMode returns the lock mode selected by the shared flag
func GetLockMode() filelock.Mode {
	if viper.GetBool("shared") {
		return filelock.ModeShared
	}
	return filelock.ModeExclusive
}

// GetTimeout returns the configured acquire timeout, 0 means no timeout
func GetTimeout() time.Duration {
	return time.Duration(viper.GetInt("timeout")) * time.Second
}
