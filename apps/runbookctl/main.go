package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/quatton/runbookgen/apps/runbookctl/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "runbookctl crashed: %v\n", r)
			if os.Getenv("RUNBOOK_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
