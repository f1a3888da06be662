// Package service ties the install pipeline together: identify the media,
// pull the installer out of it, run it under supervision and collect the
// result.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/terabiome/preseed-install/internal/disk"
	"github.com/terabiome/preseed-install/internal/diskimage"
	"github.com/terabiome/preseed-install/internal/hosttools"
	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/hypervisor/domainxml"
	"github.com/terabiome/preseed-install/internal/hypervisor/qemu"
	"github.com/terabiome/preseed-install/internal/installerhd"
	"github.com/terabiome/preseed-install/internal/iso"
	"github.com/terabiome/preseed-install/internal/layout"
	"github.com/terabiome/preseed-install/internal/preseed"
	"github.com/terabiome/preseed-install/internal/runtime"
	"github.com/terabiome/preseed-install/internal/supervisor"
	"github.com/terabiome/preseed-install/pkg/constants"
	"github.com/terabiome/preseed-install/pkg/executor"
	"github.com/terabiome/preseed-install/pkg/templator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/terabiome/preseed-install/internal/service"

// Options are the install settings that come from configuration rather
// than from a single request.
type Options struct {
	ImageSize       string
	Memory          string
	PreseedListen   string
	ExtraKernelArgs []string
	CmdlineTemplate string
	// LookPath finds host tools. Nil means exec.LookPath.
	LookPath hosttools.LookPathFunc
}

// InstallService provides transport-agnostic install operations.
type InstallService struct {
	executor  executor.Executor
	reader    iso.Reader
	layout    *layout.Layout
	extractor *iso.Extractor
	disks     *disk.Manager
	installer *installerhd.Builder
	inspector *diskimage.Inspector
	launcher  hypervisor.Launcher
	engine    *templator.Engine
	options   Options
	logger    *slog.Logger

	tracer          trace.Tracer
	installCounter  metric.Int64Counter
	installDuration metric.Float64Histogram
}

// NewInstallService creates a new InstallService.
func NewInstallService(
	exec executor.Executor,
	reader iso.Reader,
	l *layout.Layout,
	launcher hypervisor.Launcher,
	options Options,
	logger *slog.Logger,
) (*InstallService, error) {
	engine := templator.NewEngine()
	if err := engine.ParseTemplate(constants.TemplateCmdline, options.CmdlineTemplate); err != nil {
		return nil, fmt.Errorf("invalid kernel command line template: %w", err)
	}

	meter := otel.Meter(instrumentation)

	installCounter, err := meter.Int64Counter(
		"preseed.install.runs",
		metric.WithDescription("Number of install runs by result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create installCounter metric", slog.String("error", err.Error()))
	}

	installDuration, err := meter.Float64Histogram(
		"preseed.install.duration",
		metric.WithDescription("Duration of install runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create installDuration metric", slog.String("error", err.Error()))
	}

	return &InstallService{
		executor:        exec,
		reader:          reader,
		layout:          l,
		extractor:       iso.NewExtractor(reader, l, logger),
		disks:           disk.NewManager(exec, logger),
		installer:       installerhd.NewBuilder(exec, logger),
		inspector:       diskimage.NewInspector(logger),
		launcher:        launcher,
		engine:          engine,
		options:         options,
		logger:          logger.With(slog.String("service", "install")),
		tracer:          otel.Tracer(instrumentation),
		installCounter:  installCounter,
		installDuration: installDuration,
	}, nil
}

// prepared is what an install needs from the source image, read before
// anything is written.
type prepared struct {
	iso       string
	media     iso.Media
	kernel    []byte
	initrd    []byte
	candidate layout.Candidate
	profile   layout.Profile
}

func (s *InstallService) prepare(ctx context.Context, params InstallParams) (*prepared, error) {
	ctx, span := s.tracer.Start(ctx, "prepare")
	defer span.End()

	if params.PreseedURL == "" && params.PreseedFile == "" {
		return nil, errors.New("either a preseed URL or a preseed file is required")
	}
	if params.PreseedURL != "" && params.PreseedFile != "" {
		return nil, errors.New("a preseed URL and a preseed file are mutually exclusive")
	}

	image, err := filepath.Abs(params.ISO)
	if err != nil {
		return nil, fmt.Errorf("resolve installation image path: %w", err)
	}
	if _, err := os.Stat(image); err != nil {
		return nil, fmt.Errorf("installation image: %w", err)
	}

	media, err := iso.Identify(ctx, s.reader, image)
	if err != nil {
		if params.Arch == "" {
			return nil, err
		}
		s.logger.Warn("could not identify installation image, using the given architecture",
			slog.String("iso", image),
			slog.String("error", err.Error()),
		)
	}
	if params.Arch != "" {
		media.Arch = params.Arch
	}

	span.SetAttributes(attribute.String("arch", media.Arch), attribute.Int("version", media.Version))
	s.logger.Info("identified installation image",
		slog.String("iso", image),
		slog.String("arch", media.Arch),
		slog.Int("version", media.Version),
	)

	profile, err := s.layout.Profile(media.Arch)
	if err != nil {
		return nil, err
	}
	if s.options.Memory != "" {
		profile.Memory = s.options.Memory
	}

	kernel, initrd, candidate, err := s.extractor.ExtractFor(ctx, image, media)
	if err != nil {
		return nil, err
	}

	return &prepared{
		iso:       image,
		media:     media,
		kernel:    kernel,
		initrd:    initrd,
		candidate: candidate,
		profile:   profile,
	}, nil
}

// baseTools lists the host programs every install runs, whatever the
// media turns out to be.
func (s *InstallService) baseTools() []string {
	tools := []string{"qemu-img", "mv", "rm"}
	if r, ok := s.reader.(interface{ Tools() []string }); ok {
		tools = append(tools, r.Tools()...)
	}
	return tools
}

// upfrontTools lists the host programs known to be needed before the
// installation image is opened. The emulator is included when the
// architecture is given or readable from the image's file name.
func (s *InstallService) upfrontTools(params InstallParams) []string {
	tools := s.baseTools()
	if s.launcher.Name() != "qemu" {
		return tools
	}

	arch := params.Arch
	if arch == "" {
		if media, err := iso.ParseImageName(filepath.Base(params.ISO)); err == nil {
			arch = media.Arch
		}
	}
	if arch == "" {
		return tools
	}
	if profile, err := s.layout.Profile(arch); err == nil {
		tools = append(tools, profile.Emulator)
	}
	return tools
}

// requiredTools lists the host programs an install of p runs.
func (s *InstallService) requiredTools(p *prepared) []string {
	tools := s.baseTools()
	if s.launcher.Name() == "qemu" {
		tools = append(tools, p.profile.Emulator)
	}
	if p.candidate.Media == layout.MediaHDMedia {
		tools = append(tools, "mkfs.ext2", "debugfs", "sfdisk")
	}
	return tools
}

func (s *InstallService) cmdline(preseedURL string) (string, error) {
	line, err := s.engine.RenderLine(constants.TemplateCmdline, struct {
		PreseedURL string
		Extra      []string
	}{
		PreseedURL: preseedURL,
		Extra:      s.options.ExtraKernelArgs,
	})
	if err != nil {
		return "", fmt.Errorf("render kernel command line: %w", err)
	}
	return line, nil
}

func (s *InstallService) imageSize(params InstallParams) string {
	if params.Size != "" {
		return params.Size
	}
	return s.options.ImageSize
}

// Install runs an unattended install of params.ISO into params.Output.
// On failure the run workspace and the last attempt image are kept and
// named in the error.
func (s *InstallService) Install(ctx context.Context, params InstallParams) (*InstallResult, error) {
	ctx, span := s.tracer.Start(ctx, "Install")
	defer span.End()

	startTime := time.Now()
	result, err := s.install(ctx, span, params)

	status := "success"
	if err != nil {
		status = "failure"
		span.RecordError(err)
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if s.installCounter != nil {
		s.installCounter.Add(ctx, 1, attrs)
	}
	if s.installDuration != nil {
		s.installDuration.Record(ctx, time.Since(startTime).Seconds(), attrs)
	}

	return result, err
}

func (s *InstallService) install(ctx context.Context, span trace.Span, params InstallParams) (*InstallResult, error) {
	destination, err := filepath.Abs(params.Output)
	if err != nil {
		return nil, fmt.Errorf("resolve destination path: %w", err)
	}
	if _, err := os.Stat(destination); err == nil {
		return nil, fmt.Errorf("destination already exists: %s", destination)
	}
	span.SetAttributes(attribute.String("destination", destination))

	if err := hosttools.Check(s.options.LookPath, s.upfrontTools(params)...); err != nil {
		return nil, err
	}

	p, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}

	if err := hosttools.Check(s.options.LookPath, s.requiredTools(p)...); err != nil {
		return nil, err
	}

	ws, err := runtime.NewWorkspace(filepath.Dir(destination), s.executor)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String("run_id", ws.RunID.String()))
	logger.Info("created run workspace", slog.String("dir", ws.Dir))

	keep := func(err error) error {
		logger.Warn("install failed, keeping workspace", slog.String("dir", ws.Dir))
		return fmt.Errorf("%w (workspace kept at %s)", err, ws.Dir)
	}

	preseedURL := params.PreseedURL
	if params.PreseedFile != "" {
		server, err := preseed.Start(s.options.PreseedListen, params.PreseedFile, s.logger)
		if err != nil {
			return nil, keep(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to stop preseed server", slog.String("error", err.Error()))
			}
		}()
		preseedURL = server.GuestURL()
	}

	plan, err := s.buildPlan(ws.RunID, ws.Dir, destination, p, params, preseedURL)
	if err != nil {
		return nil, keep(err)
	}
	if err := s.materialize(ctx, ws, p, plan); err != nil {
		return nil, keep(err)
	}

	logger.Info("starting install",
		slog.String("iso", p.iso),
		slog.String("destination", destination),
		slog.String("backend", s.launcher.Name()),
		slog.String("cmdline", plan.Cmdline),
	)

	images := s.disks.ForDestination(destination, ws.RunID, s.imageSize(params))
	sup := supervisor.New(s.launcher, images, logger)
	outcome, err := sup.Run(ctx, plan, params.Policy, params.Display)
	if err != nil {
		return nil, keep(err)
	}

	// A run cancelled as the installer finished still does not publish
	// its image.
	if err := ctx.Err(); err != nil {
		return nil, keep(&supervisor.RetryExhaustedError{Attempts: outcome.Attempt, Last: outcome, Err: err})
	}

	if err := s.disks.Promote(ctx, outcome.ImagePath, destination); err != nil {
		return nil, keep(err)
	}

	result := &InstallResult{
		RunID:       ws.RunID,
		Destination: destination,
		Attempts:    outcome.Attempt,
	}

	if p.profile.ExtractBootFiles {
		files, err := s.ExtractBootFiles(ctx, destination)
		if err != nil {
			return nil, keep(err)
		}
		result.BootFiles = files
	}

	if err := ws.Remove(ctx); err != nil {
		logger.Warn("failed to remove workspace", slog.String("dir", ws.Dir), slog.String("error", err.Error()))
	}

	logger.Info("install finished",
		slog.String("destination", destination),
		slog.Int("attempts", outcome.Attempt),
		slog.Duration("duration", outcome.Duration),
	)

	return result, nil
}

// buildPlan lays an install of p out under dir. Nothing is written: the
// paths are where the install puts the boot files.
func (s *InstallService) buildPlan(runID uuid.UUID, dir, destination string, p *prepared, params InstallParams, preseedURL string) (hypervisor.InstallPlan, error) {
	plan := hypervisor.InstallPlan{
		RunID:       runID,
		Arch:        p.media.Arch,
		Version:     p.media.Version,
		KernelPath:  filepath.Join(dir, "kernel"),
		InitrdPath:  filepath.Join(dir, "initrd"),
		Destination: destination,
		Display:     params.Display,
		Profile:     p.profile,
		Media:       hypervisor.Media{Kind: layout.MediaCDROM, Path: p.iso},
		LogDir:      dir,
	}

	if p.candidate.Media == layout.MediaHDMedia {
		plan.Media = hypervisor.Media{Kind: layout.MediaHDMedia, Path: filepath.Join(dir, installerhd.DiskName)}
	}

	cmdline, err := s.cmdline(preseedURL)
	if err != nil {
		return plan, err
	}
	plan.Cmdline = cmdline

	return plan, nil
}

// materialize writes the boot files and builds the installer disk plan
// refers to.
func (s *InstallService) materialize(ctx context.Context, ws *runtime.Workspace, p *prepared, plan hypervisor.InstallPlan) error {
	if _, err := ws.WriteFile(filepath.Base(plan.KernelPath), p.kernel); err != nil {
		return err
	}
	if _, err := ws.WriteFile(filepath.Base(plan.InitrdPath), p.initrd); err != nil {
		return err
	}

	if plan.Media.Kind == layout.MediaHDMedia {
		if _, err := s.installer.Build(ctx, p.iso, ws.Dir); err != nil {
			return err
		}
	}
	return nil
}

// Plan resolves everything an install of params would do and renders the
// first attempt's machine for the configured backend, without writing or
// launching anything.
func (s *InstallService) Plan(ctx context.Context, params InstallParams) (*PlanResult, error) {
	ctx, span := s.tracer.Start(ctx, "Plan")
	defer span.End()

	destination, err := filepath.Abs(params.Output)
	if err != nil {
		return nil, fmt.Errorf("resolve destination path: %w", err)
	}

	p, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	dir := filepath.Join(filepath.Dir(destination), ".preseed-install-"+runID.String())
	preseedURL := params.PreseedURL
	if params.PreseedFile != "" {
		if preseedURL, err = preseed.GuestURLFor(s.options.PreseedListen); err != nil {
			return nil, err
		}
	}

	plan, err := s.buildPlan(runID, dir, destination, p, params, preseedURL)
	if err != nil {
		return nil, err
	}

	machine := plan.Machine(1, disk.AttemptPath(destination, runID, 1), params.Display)

	var rendered string
	if s.launcher.Name() == "libvirt" {
		rendered, err = domainxml.Render(machine)
		if err != nil {
			return nil, err
		}
	} else {
		rendered = qemu.CommandLine(machine)
	}

	return &PlanResult{Plan: plan, Machine: machine, Rendered: rendered}, nil
}
