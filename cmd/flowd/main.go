// Command flowd is the worker/coordinator daemon entrypoint: "flowd
// daemon" runs a query.Manager plus an HTTP /status and /metrics
// surface; "flowd worker" sets up the per-node source catalog and a
// /metrics surface. Neither sub-command serves query lifecycle RPCs.
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	args := os.Args[1:]
	useSubCommand := len(args) > 0 && !strings.HasPrefix(args[0], "-")
	if useSubCommand {
		subCommand := args[0]
		args = args[1:]
		switch subCommand {
		case "daemon":
			runDaemon(args)
		case "worker":
			runWorker(args)
		default:
			fmt.Fprintf(os.Stderr, "invalid sub-command %q\n", subCommand)
			os.Exit(1)
		}
	} else {
		runDaemon(args)
	}
}
