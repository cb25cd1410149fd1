// Command kestrel drives the question/answer build engine (spec.md) from
// the command line: build a root question, recheck a database against the
// outside world, or print diagnostics about a database's lock and kind
// registry.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
