// Command xenioreqd is the device-model helper process: it attaches to one
// guest domain's ioreq server and dispatches trapped accesses to the
// devices named in its configuration file until a teardown signal arrives.
//
// Grounded on core_engine's single-binary main (flag parsing, logger setup,
// VirtualMachine construction, run, close), widened from a bespoke flag
// package to urfave/cli v1, the exact major kata-containers' runtime vendors
// for its own hypervisor-adjacent CLI.
package main

import (
	"os"

	"github.com/urfave/cli"

	xenioreqd "github.com/weichen81/xenioreqd"
	"github.com/weichen81/xenioreqd/hypervisor"
	"github.com/weichen81/xenioreqd/internal/xlog"
)

const (
	exitOK       = 0
	exitInitFail = 1
	exitCLIUsage = 2
)

var log = xlog.For("main")

func main() {
	app := cli.NewApp()
	app.Name = "xenioreqd"
	app.Usage = "Xen ioreq-server device-model helper"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to the attachment's TOML configuration file",
		},
		cli.UintFlag{
			Name:  "domid",
			Usage: "guest domain id (only logged; the config file's domid is the one used)",
		},
		cli.StringFlag{
			Name:  "device-model-socket",
			Usage: "optional device-model control socket path",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug-level logging",
		},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(cliUsageError); ok {
			log.WithError(err).Error("usage error")
			os.Exit(exitCLIUsage)
		}
		log.WithError(err).Error("initialization failed")
		os.Exit(exitInitFail)
	}
}

// cliUsageError marks an error raised before any hypervisor or transport
// interaction happened, so main can map it to exit code 2 rather than 1.
type cliUsageError struct{ error }

func run(c *cli.Context) error {
	xlog.SetDebug(c.Bool("debug"))

	configPath := c.String("config")
	if configPath == "" {
		return cliUsageError{cli.NewExitError("--config is required", exitCLIUsage)}
	}

	transport := hypervisor.NewLinuxTransport()

	srv, err := xenioreqd.New(transport, configPath)
	if err != nil {
		return err
	}

	if domid := c.Uint("domid"); domid != 0 {
		log.WithField("domid", domid).Debug("CLI --domid override requested")
	}

	if err := srv.Start(); err != nil {
		return err
	}

	log.Info("entering event loop")
	srv.Run()
	log.Info("shut down cleanly")
	return nil
}
