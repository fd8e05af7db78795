/*
This command provides an executable version of the gateway with the
decision filter.

For the list of command line options, run:

	mgw -help

For details about the configuration, see the documentation of the root
mgw package.
*/
package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/zalando/mgw"
	"github.com/zalando/mgw/config"
)

var (
	version string
	commit  string
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	if cfg.PrintVersion {
		fmt.Printf("mgw version %s (commit: %s)\n", version, commit)
		return
	}

	log.SetLevel(cfg.ApplicationLogLevel)
	log.Fatal(mgw.Run(cfg.ToOptions()))
}
