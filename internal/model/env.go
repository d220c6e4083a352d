package model

import (
	"fmt"

	"github.com/spf13/viper"
)

// Environment variables overriding the configuration file.
const (
	EnvPort                = "PORT"
	EnvDataDir             = "DATA_DIR"
	EnvRoot                = "MOODLE_URL"
	EnvRetention           = "FILE_RETENTION"
	EnvJobConcurrency      = "MAX_CONCURRENCY"
	EnvDownloadConcurrency = "DOWNLOAD_CONCURRENCY"
	EnvExporterPath        = "EXPORTER_PATH"
	EnvAdminToken          = "ADMIN_TOKEN"
	EnvSweepSchedule       = "SWEEP_SCHEDULE"
	EnvVerbose             = "VERBOSE"
)

var envBindings = map[string]string{
	"service.port":          EnvPort,
	"service.data_dir":      EnvDataDir,
	"service.verbose":       EnvVerbose,
	"service.admin_token":   EnvAdminToken,
	"exporter.root":         EnvRoot,
	"exporter.command.path": EnvExporterPath,
	"jobs.concurrency":      EnvJobConcurrency,
	"downloads.concurrency": EnvDownloadConcurrency,
	"retention.duration":    EnvRetention,
	"retention.sweep":       EnvSweepSchedule,
}

// ApplyEnv returns cfg overridden by the environment variables v sees. A job
// concurrency set from the environment also bounds downloads unless
// DOWNLOAD_CONCURRENCY is given.
func ApplyEnv(v *viper.Viper, cfg Config) (Config, error) {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return cfg, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if v.IsSet("service.port") {
		cfg.Service.Port = v.GetInt("service.port")
	}
	if v.IsSet("service.data_dir") {
		cfg.Service.DataDir = v.GetString("service.data_dir")
	}
	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = v.GetBool("service.verbose")
	}
	if v.IsSet("service.admin_token") {
		cfg.Service.AdminToken = v.GetString("service.admin_token")
	}
	if v.IsSet("exporter.root") {
		cfg.Exporter.Root = v.GetString("exporter.root")
	}
	if v.IsSet("exporter.command.path") {
		cfg.Exporter.Command.Path = v.GetString("exporter.command.path")
	}
	if v.IsSet("jobs.concurrency") {
		cfg.Jobs.Concurrency = v.GetInt("jobs.concurrency")
		if !v.IsSet("downloads.concurrency") {
			cfg.Downloads.Concurrency = cfg.Jobs.Concurrency
		}
	}
	if v.IsSet("downloads.concurrency") {
		cfg.Downloads.Concurrency = v.GetInt("downloads.concurrency")
	}
	if v.IsSet("retention.duration") {
		cfg.Retention.Duration = v.GetString("retention.duration")
	}
	if v.IsSet("retention.sweep") {
		cfg.Retention.Sweep = v.GetString("retention.sweep")
	}

	return cfg, cfg.Validate()
}
