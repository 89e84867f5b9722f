// Command dfanalyzer runs a data frame analysis job over CSV input and writes
// the results as line-delimited JSON.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
