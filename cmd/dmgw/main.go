// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// dmgw is the SDMG gateway binary: the data-plane/management server plus
// the operational helpers (health probe, one-shot bundle import).
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/sdmg/gateway/internal/version"
)

type (
	// cmd corresponds to the top-level `dmgw` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the gateway and admin servers."`
		// Healthcheck is the sub-command to probe a running gateway.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
		// ImportDefinitions is the sub-command for a one-shot bundle import.
		ImportDefinitions cmdImportDefinitions `cmd:"" name:"import-definitions" help:"Import an API definitions bundle, then exit."`
	}
	// cmdRun corresponds to `dmgw run`. Everything else comes from the
	// environment (see internal/config).
	cmdRun struct {
		Debug bool `help:"Force debug logging regardless of LOG_LEVEL."`
	}
	// cmdHealthcheck corresponds to `dmgw healthcheck`.
	cmdHealthcheck struct {
		URL string `help:"Health endpoint to probe." default:"http://localhost:3000/gw/health"`
	}
	// cmdImportDefinitions corresponds to `dmgw import-definitions`.
	cmdImportDefinitions struct {
		Dir    string `help:"Bundle directory containing manifest.yaml." required:"" type:"existingdir"`
		Tenant string `help:"Tenant id to import into. Defaults to the Default tenant."`
	}
)

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, cmdHealthcheck, io.Writer) error
	importFn      func(context.Context, cmdImportDefinitions, io.Writer, io.Writer) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck, importDefinitions)
}

// doMain parses the command line and dispatches. The writers, exit function
// and command implementations are parameters so tests can intercept them.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn, hf healthcheckFn, inf importFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("dmgw"),
		kong.Description("SDMG Gateway CLI"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "SDMG Gateway: %s\n", version.String())
	case "run":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck, stdout); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	case "import-definitions":
		if err := inf(ctx, c.ImportDefinitions, stdout, stderr); err != nil {
			log.Fatalf("Import failed: %v", err)
		}
	}
}
