package main

import (
	"fmt"
	"os"

	"github.com/piwardrive/piwardrive/internal/buildinfo"
)

const usage = `Usage: piwardrive [command]

Commands:
  serve        run the appliance (default)
  migrate      apply schema migrations
  export       export stored records as csv, json, or kml
  sync         upload pending records to the remote aggregation server
  tiles        tile cache tooling: prefetch, purge-old, enforce-limit, usage
  rotate-logs  rotate the configured log files once
  export-logs  tail a log's last lines to a file, optionally uploading them
  version      print build information
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "migrate":
		err = runMigrate(args)
	case "export":
		err = runExport(args)
	case "sync":
		err = runSync(args)
	case "tiles":
		err = runTiles(args)
	case "rotate-logs":
		err = runRotateLogs(args)
	case "export-logs":
		err = runExportLogs(args)
	case "version":
		fmt.Printf("piwardrive %s (%s, built %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
