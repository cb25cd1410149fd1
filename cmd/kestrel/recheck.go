package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderunner/kestrel/internal/demo"
	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kind"
	"github.com/coderunner/kestrel/internal/store"
)

var recheckCmd = &cobra.Command{
	Use:   "recheck",
	Short: "Reconcile the database against the outside world",
	Long: `recheck walks every persisted entry, re-derives its answer via its
kind's QueryAnswer, and forgets any entry whose answer no longer matches —
or whose QueryAnswer now fails outright. It is how a database that was
built on one checkout catches up with edits made since (spec.md §4.3); run
it before a build that must not trust stale cross-run state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

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

		warn := func(fp fingerprint.FP, reason string) {
			logger.Warn("forgetting entry", "fingerprint", fp.String(), "reason", reason)
		}

		report, err := store.RecheckAll(ctx, db, kinds, warn)
		if err != nil {
			return fmt.Errorf("kestrel: recheck: %w", err)
		}

		fmt.Printf("checked %d, forgot %d, skipped %d (unknown kind)\n",
			report.Checked, report.Forgotten, report.SkippedUnknownKind)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recheckCmd)
}
