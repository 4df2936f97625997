package main

import (
	"os"

	"github.com/malbeclabs/tableqa/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(int(cli.Run(cli.Build{Version: version, Commit: commit, Date: date})))
}
