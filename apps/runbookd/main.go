package main

import "github.com/quatton/runbookgen/apps/runbookd/cmd"

func main() {
	cmd.Execute()
}
