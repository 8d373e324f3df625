// cmd/busbridge/main.go
package main

import (
	"fmt"
	"os"

	"github.com/vulntor/busbridge/cmd/busbridge/commands"
	"github.com/vulntor/busbridge/pkg/modules"
	"github.com/vulntor/busbridge/pkg/remote"
)

func main() {
	// bridges re-exec this binary to host their worker
	if remote.IsWorkerProcess() {
		remote.RunWorker(modules.Registry())
	}

	if err := commands.NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
