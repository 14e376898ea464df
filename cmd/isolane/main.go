// Command isolane runs units of work at the isolation tier their spec asks for.
//
// Usage:
//
//	isolane serve                    Run the HTTP API
//	isolane run [flags] <action>     Execute one action and print the run
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
