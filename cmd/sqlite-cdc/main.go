// Command sqlite-cdc runs the change-data-capture engine: it
// replicates row-level mutations from an embedded SQLite source
// database to one or more remote SQL targets, per spec.md.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
