package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderunner/kestrel/internal/demo"
	"github.com/coderunner/kestrel/internal/engine"
	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kind"
	"github.com/coderunner/kestrel/internal/store"
)

var buildCmd = &cobra.Command{
	Use:   "build <output> <path> [<path>...]",
	Short: "Concatenate the given files into output, caching the result by content",
	Long: `build runs the demo concat question over the given files: it hashes
each one (a leaf question per spec.md's question/answer model), writes their
concatenation to output, and persists both the concatenation's hash and
every file it depended on to the configured database. Before dispatching,
build reconciles the database against the outside world the same way
"kestrel recheck" does, so a cache hit from a prior run is never trusted
without first confirming its dependencies still match what's on disk
(spec.md §4.3, §4.7.1). A second run with unchanged inputs is then served
entirely from the cache; pass --watch to rebuild automatically whenever an
input file changes.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		output, paths := args[0], args[1:]

		lock, err := acquireLock(ctx)
		if err != nil {
			return fmt.Errorf("kestrel: acquire database lock: %w", err)
		}
		defer lock.Release()

		db, err := openDatabase(ctx)
		if err != nil {
			return fmt.Errorf("kestrel: open database: %w", err)
		}
		defer db.Close()

		kinds := kind.NewSet(demo.FileKind, demo.ConcatKind)
		question := demo.ConcatQuestion{Paths: paths, Output: output}

		warn := func(fp fingerprint.FP, reason string) {
			logger.Warn("recheck forgot entry", "fingerprint", fp.String(), "reason", reason)
		}

		run := func() error {
			// tryCacheHit's dispatch-time check only confirms a
			// dependency's fingerprint is still present in the database,
			// not that its answer still matches the outside world
			// (DESIGN.md's Open Question decisions). RecheckAll is what
			// makes that check trustworthy: it forgets any entry whose
			// QueryAnswer no longer matches what's stored, so a stale hit
			// below can never come from an edit made since the database
			// was last opened. Re-run on every build, including each
			// --watch-triggered rebuild, not just the first: the database
			// outlives this single invocation.
			if _, err := store.RecheckAll(ctx, db, kinds, warn); err != nil {
				return fmt.Errorf("kestrel: recheck before build: %w", err)
			}

			proc := newSupervisor()
			e := engine.New(ctx, db, kinds, newQueue(), proc, logger)
			code, err := e.Run(demo.ConcatKind, question)
			if code != 0 {
				if err != nil {
					return fmt.Errorf("kestrel: build failed: %w", err)
				}
				return fmt.Errorf("kestrel: build failed with exit code %d", code)
			}
			fmt.Println("build ok")
			return nil
		}

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch && !cfg.Watch {
			return run()
		}
		return demo.Watch(context.Background(), logger, paths, run)
	},
}

func init() {
	buildCmd.Flags().Bool("watch", false, "rebuild automatically when an input file changes")
	rootCmd.AddCommand(buildCmd)
}
