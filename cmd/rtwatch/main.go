package main

import (
	"os"

	"github.com/oplane/realtime/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Stderr.WriteString("rtwatch: " + err.Error() + "\n")
		os.Exit(1)
	}
}
