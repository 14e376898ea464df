// Command isolane-worker hosts process-isolated work. The isolane server starts
// one per process context and talks to it over stdin/stdout.
package main

import (
	"os"

	"github.com/seantiz/isolane/internal/action"
	"github.com/seantiz/isolane/internal/worker"
)

func main() {
	os.Exit(worker.Main(os.Args[1:], action.Builtins()))
}
