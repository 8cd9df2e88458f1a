// Command vidforge is the CLI client for the vidforge daemon.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vidforge: %v\n", err)
		os.Exit(1)
	}
}
