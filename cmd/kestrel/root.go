package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/coderunner/kestrel/internal/config"
	"github.com/coderunner/kestrel/internal/klog"
	"github.com/coderunner/kestrel/internal/lockfile"
	"github.com/coderunner/kestrel/internal/process"
	"github.com/coderunner/kestrel/internal/squeue"
	"github.com/coderunner/kestrel/internal/store"
	"github.com/coderunner/kestrel/internal/store/boltstore"
	"github.com/coderunner/kestrel/internal/store/sqlite"
)

// version is overridden at build time with -ldflags.
var version = "dev"

var (
	cfgFile string
	cfg     config.Config
	logger  *klog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "kestrel",
	Short:         "An incremental, dependency-discovering build engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = klog.New(klog.Config{
			Path:   cfg.LogPath,
			JSON:   cfg.LogJSON,
			Level:  cfg.LogLevel,
			Stderr: cfg.LogPath == "",
		})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			return logger.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to kestrel.yaml")
	rootCmd.Version = version
}

// openDatabase opens cfg's configured backend, creating it if absent.
func openDatabase(ctx context.Context) (store.Database, error) {
	switch cfg.Backend {
	case "bbolt":
		return boltstore.Open(cfg.Database)
	case "sqlite", "":
		return sqlite.OpenWithTimeout(ctx, cfg.Database, cfg.BusyTimeout)
	default:
		return nil, fmt.Errorf("kestrel: unknown backend %q (want sqlite or bbolt)", cfg.Backend)
	}
}

// newQueue builds the question queue variant cfg selects.
func newQueue() squeue.Queue {
	if cfg.QueueKind == "poll" {
		interval := cfg.PollInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		return squeue.NewPollQueue(interval)
	}
	return squeue.NewChanQueue()
}

// acquireLock takes the exclusive advisory lock on cfg.Database, blocking up
// to cfg.LockTimeout. doctor, which only reads, skips this and uses
// lockfile.Held instead.
func acquireLock(ctx context.Context) (*lockfile.Lock, error) {
	lockCtx := ctx
	if cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, cfg.LockTimeout)
		defer cancel()
	}
	return lockfile.Acquire(lockCtx, cfg.Database, lockfile.Info{
		Database: cfg.Database,
		Version:  version,
	})
}

// newSupervisor builds a process.Supervisor with the transient-spawn retry
// policy the teacher's exec.go wraps around cmd.Start (text-file-busy,
// resource-temporarily-unavailable on a freshly written executable).
func newSupervisor() *process.Supervisor {
	sup := process.New()
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 2 * time.Second
	sup.RetryPolicy = retry
	return sup
}
