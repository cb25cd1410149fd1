package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderunner/kestrel/internal/demo"
	"github.com/coderunner/kestrel/internal/kind"
	"github.com/coderunner/kestrel/internal/lockfile"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Print diagnostics about the configured database and kind registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("database: %s (backend=%s)\n", cfg.Database, cfg.Backend)

		if info, held := lockfile.Held(cfg.Database); held {
			fmt.Printf("lock: held by pid %d (version %s, since %s)\n", info.PID, info.Version, info.StartedAt)
		} else {
			fmt.Println("lock: not held")
		}

		kinds := kind.NewSet(demo.FileKind, demo.ConcatKind)
		fmt.Println("registered kinds:")
		for _, id := range kinds.UUIDs() {
			k, err := kinds.Lookup(id)
			if err != nil {
				return fmt.Errorf("kestrel: doctor: %w", err)
			}
			fmt.Printf("  %s  %s\n", id, k.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
