package lock

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/plock/cmd/util"
	"github.com/ValentinKolb/plock/lib/filelock"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the lock manager",
		Long:    "Measure the throughput of lock acquisition and release under contention. The locks are taken on files in a temporary directory that is removed afterwards.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfNumThreads  = 10
	perfPathSpread  = 10
	perfSharedRatio = 80
	perfSkip        = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. shared,mixed)"))
	key = "threads"
	perfCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines to use for the benchmark"))
	key = "paths"
	perfCmd.Flags().Int(key, 10, util.WrapString("How many different paths to lock"))
	key = "shared-ratio"
	perfCmd.Flags().Int(key, 80, util.WrapString("Percentage of shared locks in the mixed test"))
	key = "csv"
	perfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfPathSpread = max(viper.GetInt("paths"), 1)
	perfSharedRatio = min(max(viper.GetInt("shared-ratio"), 0), 100)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// perfTest is a single benchmark. op is called once per iteration with the
// path to lock and the iteration counter of the goroutine.
type perfTest struct {
	name string
	op   func(ctx context.Context, path string, i int) error
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for the lock manager")

	dir, err := os.MkdirTemp("", "plock-perf-")
	if err != nil {
		return fmt.Errorf("failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	paths := lo.Times(perfPathSpread, func(i int) string {
		return filepath.Join(dir, fmt.Sprintf("file-%d", i))
	})

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Directory:    %s\n", dir)
	fmt.Printf("Threads:      %d\n", perfNumThreads)
	fmt.Printf("Paths:        %d\n", perfPathSpread)
	fmt.Printf("Shared Ratio: %d%%\n", perfSharedRatio)
	fmt.Println()

	fmt.Println("starting tests...")

	ctx := cmd.Context()
	tests := []perfTest{
		{name: "exclusive", op: func(ctx context.Context, path string, _ int) error {
			return lockAndRelease(ctx, path, filelock.ModeExclusive)
		}},
		{name: "shared", op: func(ctx context.Context, path string, _ int) error {
			return lockAndRelease(ctx, path, filelock.ModeShared)
		}},
		{name: "mixed", op: func(ctx context.Context, path string, i int) error {
			mode := filelock.ModeExclusive
			if i%100 < perfSharedRatio {
				mode = filelock.ModeShared
			}
			return lockAndRelease(ctx, path, mode)
		}},
		{name: "reentrant", op: func(ctx context.Context, path string, _ int) error {
			ctx = filelock.WithOwner(ctx)
			outer, err := lockMgr.Acquire(ctx, path, filelock.ModeExclusive)
			if err != nil {
				return err
			}
			defer outer.Close()
			return lockAndRelease(ctx, path, filelock.ModeShared)
		}},
		{name: "upgrade", op: func(ctx context.Context, path string, _ int) error {
			shared, err := lockMgr.Acquire(ctx, path, filelock.ModeShared)
			if err != nil {
				return err
			}
			exclusive, err := shared.ToExclusive(ctx)
			if err != nil {
				return err
			}
			return exclusive.Close()
		}},
	}

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	for _, test := range tests {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(test.name) {
				return
			}

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := test.op(ctx, paths[counter%len(paths)], counter); err != nil {
						plog.Errorf("(%s) - error locking: %v", test.name, err)
					}
					counter++
				}
			})
		})

		results[test.name] = result
		printResult(test.name, result)
	}

	printMetrics()

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func lockAndRelease(ctx context.Context, path string, mode filelock.Mode) error {
	lock, err := lockMgr.Acquire(ctx, path, mode)
	if err != nil {
		return err
	}
	return lock.Close()
}

func shouldSkip(test string) bool {
	return lo.Contains(perfSkip, test)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Threads", "Paths", "SharedRatio", "LockSuffix", "KeepLockfile",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for _, test := range lo.Keys(results) {
		result := results[test]

		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfPathSpread),
			strconv.Itoa(perfSharedRatio),
			viper.GetString("lock-suffix"),
			strconv.FormatBool(viper.GetBool("keep-lockfile")),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
