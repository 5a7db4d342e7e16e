// Command theoros runs the brokerage proxy and offers maintenance commands
// for the stored credentials.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
