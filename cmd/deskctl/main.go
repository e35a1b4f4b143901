// Command deskctl inspects and guards the plan usage of a help-desk business
// from the terminal, or serves the usage view over HTTP.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
