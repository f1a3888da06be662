package main

import (
	"github.com/terabiome/preseed-install/internal/config"
	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/service"
	"github.com/terabiome/preseed-install/internal/supervisor"
	"github.com/urfave/cli/v2"
)

// installFlags are the inputs shared by install and plan.
func installFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "iso",
			Aliases:  []string{"i"},
			Usage:    "Debian installation image",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "url",
			Aliases: []string{"u"},
			Usage:   "Preseed URL reachable from the guest",
		},
		&cli.StringFlag{
			Name:  "preseed-file",
			Usage: "Local preseed file to serve to the guest",
		},
		&cli.StringFlag{
			Name:     "output",
			Aliases:  []string{"o"},
			Usage:    "Destination qcow2 image",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "vnc-display",
			Aliases: []string{"d"},
			Usage:   "VNC display for the installer screen, e.g. :1 (default: headless)",
		},
		&cli.StringFlag{
			Name:    "size",
			Aliases: []string{"s"},
			Usage:   "Destination image size (default: image_size)",
		},
		&cli.StringFlag{
			Name:  "arch",
			Usage: "Architecture, when the image name does not tell",
		},
	}
}

// adaptInstallFlags converts CLI flags to service params, falling back to
// configuration for what the flags leave unset.
func adaptInstallFlags(cliCtx *cli.Context, cfg *config.Config) service.InstallParams {
	policy := supervisor.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
	}
	if cliCtx.IsSet("attempts") {
		policy.MaxAttempts = cliCtx.Int("attempts")
	}
	if cliCtx.IsSet("timeout") {
		policy.AttemptTimeout = cliCtx.Duration("timeout")
	}

	return service.InstallParams{
		ISO:         cliCtx.String("iso"),
		PreseedURL:  cliCtx.String("url"),
		PreseedFile: cliCtx.String("preseed-file"),
		Output:      cliCtx.String("output"),
		Size:        cliCtx.String("size"),
		Display:     hypervisor.Display{VNC: cliCtx.String("vnc-display")},
		Arch:        cliCtx.String("arch"),
		Policy:      policy,
	}
}
