// Command matris is the command-line front end for the matris download
// engine.
package main

import (
	"fmt"
	"os"

	"github.com/rescale/matris/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
