package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/terabiome/preseed-install/internal/config"
	"github.com/terabiome/preseed-install/internal/hosttools"
	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/hypervisor/libvirt"
	"github.com/terabiome/preseed-install/internal/hypervisor/qemu"
	"github.com/terabiome/preseed-install/internal/iso"
	"github.com/terabiome/preseed-install/internal/layout"
	"github.com/terabiome/preseed-install/internal/service"
	"github.com/terabiome/preseed-install/internal/supervisor"
	"github.com/terabiome/preseed-install/pkg/executor"
	pkglibvirt "github.com/terabiome/preseed-install/pkg/libvirt"
	"github.com/terabiome/preseed-install/pkg/logger"
	"github.com/terabiome/preseed-install/pkg/telemetry"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var (
		cfg *config.Config
		log = logger.New("info", "text")
		tel *telemetry.Telemetry
	)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	app := &cli.App{
		Name:                 "preseed-install",
		Usage:                "Install Debian unattended into a disk image from a netinst ISO and a preseed file",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file (default: ./preseed-install.yaml when present)",
				EnvVars: []string{"PRESEED_CONFIG"},
			},
		},
		Before: func(cliCtx *cli.Context) error {
			var err error
			cfg, err = config.Load(cliCtx.String("config"))
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			log = logger.New(cfg.LogLevel, cfg.LogFormat)
			log.Debug("configuration loaded",
				slog.String("log_level", cfg.LogLevel),
				slog.String("backend", cfg.Backend),
				slog.Bool("telemetry_enabled", cfg.TelemetryEnabled),
			)

			if cfg.TelemetryEnabled {
				tel, err = telemetry.Initialize("preseed-install", os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to initialize telemetry: %w", err)
				}
				log.Info("telemetry initialized")
			} else {
				log.Debug("telemetry disabled")
			}
			return nil
		},
		After: func(cliCtx *cli.Context) error {
			if tel == nil {
				return nil
			}
			log.Info("shutting down telemetry")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "install",
				Usage: "Run the installer until the destination image holds an installed system",
				Flags: append(installFlags(),
					&cli.IntFlag{
						Name:  "attempts",
						Usage: "Maximum number of install attempts (default: max_attempts)",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Time limit of one install attempt (default: attempt_timeout)",
					},
				),
				Action: func(cliCtx *cli.Context) error {
					svc, closeFn, err := initInstallService(cfg, log, true)
					if err != nil {
						return err
					}
					defer closeFn()

					params := adaptInstallFlags(cliCtx, cfg)
					log.Info("installing",
						slog.String("iso", params.ISO),
						slog.String("output", params.Output),
						slog.Int("max_attempts", params.Policy.MaxAttempts),
						slog.Duration("attempt_timeout", params.Policy.AttemptTimeout),
					)

					result, err := svc.Install(ctx, params)
					if err != nil {
						return fmt.Errorf("install failed: %w", err)
					}

					fmt.Println(result.Destination)
					if result.BootFiles != nil {
						fmt.Println(result.BootFiles.Kernel)
						fmt.Println(result.BootFiles.Initrd)
					}
					return nil
				},
			},
			{
				Name:  "plan",
				Usage: "Print the virtual machine an install would run, without running it",
				Flags: installFlags(),
				Action: func(cliCtx *cli.Context) error {
					svc, closeFn, err := initInstallService(cfg, log, false)
					if err != nil {
						return err
					}
					defer closeFn()

					result, err := svc.Plan(ctx, adaptInstallFlags(cliCtx, cfg))
					if err != nil {
						return fmt.Errorf("unable to plan install: %w", err)
					}

					fmt.Println(result.Rendered)
					return nil
				},
			},
			{
				Name:      "extract-boot-files",
				Usage:     "Copy /vmlinuz and /initrd.img out of an installed qcow2 image",
				ArgsUsage: "<image>",
				Action: func(cliCtx *cli.Context) error {
					image := cliCtx.Args().First()
					if image == "" {
						return errors.New("empty path to disk image")
					}

					svc, closeFn, err := initInstallService(cfg, log, false)
					if err != nil {
						return err
					}
					defer closeFn()

					files, err := svc.ExtractBootFiles(ctx, image)
					if err != nil {
						return fmt.Errorf("unable to extract boot files: %w", err)
					}

					fmt.Println(files.Kernel)
					fmt.Println(files.Initrd)
					return nil
				},
			},
			{
				Name:      "list-partitions",
				Usage:     "Show the partition table of a raw disk image",
				ArgsUsage: "<raw image>",
				Action: func(cliCtx *cli.Context) error {
					image := cliCtx.Args().First()
					if image == "" {
						return errors.New("empty path to disk image")
					}

					svc, closeFn, err := initInstallService(cfg, log, false)
					if err != nil {
						return err
					}
					defer closeFn()

					parts, err := svc.ListPartitions(image)
					if err != nil {
						return fmt.Errorf("unable to read partition table: %w", err)
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "INDEX\tBOOT\tTYPE\tSTART\tSECTORS\tOFFSET\tLENGTH")
					for _, p := range parts {
						if p.Empty {
							continue
						}
						boot := ""
						if p.Bootable {
							boot = "*"
						}
						fmt.Fprintf(w, "%d\t%s\t0x%02x\t%d\t%d\t%d\t%d\n",
							p.Index, boot, p.Type, p.StartLBA, p.Sectors, p.Offset, p.Length)
					}
					return w.Flush()
				},
			},
			{
				Name:  "system",
				Usage: "Show host information",
				Subcommands: []*cli.Command{
					{
						Name:  "tools",
						Usage: "Check the host programs installs depend on",
						Action: func(cliCtx *cli.Context) error {
							return runToolCheck(ctx, cfg, log)
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logFailure(log, err)
		os.Exit(1)
	}
}

// logFailure logs err with whatever its typed causes add.
func logFailure(log *slog.Logger, err error) {
	attrs := []any{slog.String("error", err.Error())}

	var missing *hosttools.HostToolMissingError
	if errors.As(err, &missing) {
		attrs = append(attrs, slog.Any("missing_tools", missing.Tools))
	}

	var exhausted *supervisor.RetryExhaustedError
	if errors.As(err, &exhausted) {
		attrs = append(attrs,
			slog.Int("attempts", exhausted.Attempts),
			slog.String("last_outcome", exhausted.Last.State.String()),
			slog.String("last_image", exhausted.Last.ImagePath),
			slog.Bool("cancelled", supervisor.IsCancelled(err)),
		)
	}

	log.Error("application error", attrs...)
}

func initInstallService(cfg *config.Config, log *slog.Logger, connect bool) (*service.InstallService, func(), error) {
	exec := executor.NewLocal(log)
	closeFn := func() {}

	var reader iso.Reader = iso.NativeReader{}
	if cfg.IsoReader == config.ReaderIsoinfo {
		reader = iso.IsoinfoReader{Executor: exec}
	}

	var (
		l   *layout.Layout
		err error
	)
	if cfg.LayoutFile != "" {
		log.Debug("loading media layout", slog.String("path", cfg.LayoutFile))
		l, err = layout.Load(cfg.LayoutFile)
	} else {
		l, err = layout.Default()
	}
	if err != nil {
		return nil, nil, err
	}

	var launcher hypervisor.Launcher
	switch cfg.Backend {
	case config.BackendLibvirt:
		var connManager *pkglibvirt.ConnectionManager
		if connect {
			connManager, err = pkglibvirt.NewConnectionManager(cfg.LibvirtURI, log)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize connection manager: %w", err)
			}
			log.Info("connection manager initialized", slog.String("uri", cfg.LibvirtURI))
			closeFn = func() {
				if err := connManager.Close(); err != nil {
					log.Warn("failed to close libvirt connection", slog.String("error", err.Error()))
				}
			}
		}
		launcher = libvirt.NewLauncher(connManager, log)
	default:
		launcher = qemu.NewLauncher(exec, log)
	}

	svc, err := service.NewInstallService(exec, reader, l, launcher, service.Options{
		ImageSize:       cfg.ImageSize,
		Memory:          cfg.Memory,
		PreseedListen:   cfg.PreseedListen,
		ExtraKernelArgs: cfg.ExtraKernelArgs,
		CmdlineTemplate: cfg.CmdlineTemplate,
	}, log)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return svc, closeFn, nil
}
