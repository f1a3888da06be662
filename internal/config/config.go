package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendQemu    = "qemu"
	BackendLibvirt = "libvirt"

	ReaderNative  = "native"
	ReaderIsoinfo = "isoinfo"
)

type Config struct {
	LogLevel         string
	LogFormat        string
	TelemetryEnabled bool

	Backend    string
	LibvirtURI string
	IsoReader  string

	MaxAttempts    int
	AttemptTimeout time.Duration
	ImageSize      string
	Memory         string

	LayoutFile      string
	PreseedListen   string
	ExtraKernelArgs []string
	CmdlineTemplate string
}

// Load reads configuration from defaults, an optional preseed-install.yaml
// (in the working directory or configFile when given) and PRESEED_*
// environment variables, in increasing precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("telemetry_enabled", false)
	v.SetDefault("backend", BackendQemu)
	v.SetDefault("libvirt_uri", "qemu:///session")
	v.SetDefault("iso_reader", ReaderNative)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("attempt_timeout", "2h")
	v.SetDefault("image_size", "10G")
	v.SetDefault("memory", "1G")
	v.SetDefault("layout_file", "")
	v.SetDefault("preseed_listen", ":8000")
	v.SetDefault("extra_kernel_args", []string{})
	v.SetDefault("cmdline_template", DefaultCmdlineTemplate)

	v.SetEnvPrefix("preseed")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("preseed-install")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		LogLevel:         strings.ToLower(v.GetString("log_level")),
		LogFormat:        strings.ToLower(v.GetString("log_format")),
		TelemetryEnabled: v.GetBool("telemetry_enabled"),
		Backend:          strings.ToLower(v.GetString("backend")),
		LibvirtURI:       v.GetString("libvirt_uri"),
		IsoReader:        strings.ToLower(v.GetString("iso_reader")),
		MaxAttempts:      v.GetInt("max_attempts"),
		AttemptTimeout:   v.GetDuration("attempt_timeout"),
		ImageSize:        v.GetString("image_size"),
		Memory:           v.GetString("memory"),
		LayoutFile:       v.GetString("layout_file"),
		PreseedListen:    v.GetString("preseed_listen"),
		ExtraKernelArgs:  v.GetStringSlice("extra_kernel_args"),
		CmdlineTemplate:  v.GetString("cmdline_template"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultCmdlineTemplate asks the installer for a fully automatic install
// driven by the preseed file at .PreseedURL.
const DefaultCmdlineTemplate = `auto=true priority=critical url={{.PreseedURL}}{{range .Extra}} {{.}}{{end}}`

func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.LogFormat)
	}

	if c.Backend != BackendQemu && c.Backend != BackendLibvirt {
		return fmt.Errorf("invalid backend: %s (valid: %s, %s)", c.Backend, BackendQemu, BackendLibvirt)
	}

	if c.Backend == BackendLibvirt && c.LibvirtURI == "" {
		return fmt.Errorf("libvirt backend requires libvirt_uri")
	}

	if c.IsoReader != ReaderNative && c.IsoReader != ReaderIsoinfo {
		return fmt.Errorf("invalid iso reader: %s (valid: %s, %s)", c.IsoReader, ReaderNative, ReaderIsoinfo)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}

	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be positive, got %s", c.AttemptTimeout)
	}

	if c.ImageSize == "" {
		return fmt.Errorf("image_size must not be empty")
	}

	if c.CmdlineTemplate == "" {
		return fmt.Errorf("cmdline_template must not be empty")
	}

	if c.LayoutFile != "" {
		if err := validateFileExists(c.LayoutFile); err != nil {
			return fmt.Errorf("layout file: %w", err)
		}
	}

	return nil
}

func validateFileExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", path)
	} else if err != nil {
		return fmt.Errorf("cannot access file: %w", err)
	}
	return nil
}
