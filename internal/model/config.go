package model

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service   `json:"service" yaml:"service"`
	Exporter  Exporter  `json:"exporter" yaml:"exporter"`
	Jobs      Limits    `json:"jobs" yaml:"jobs"`
	Downloads Limits    `json:"downloads" yaml:"downloads"`
	Retention Retention `json:"retention" yaml:"retention"`
}

// Service holds the process level settings.
type Service struct {
	Port       int    `json:"port" yaml:"port"`
	DataDir    string `json:"data_dir" yaml:"data_dir"`
	Verbose    bool   `json:"verbose" yaml:"verbose"`
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"` // empty disables admin routes
}

// Exporter describes the external program producing the export and the root
// endpoint it targets.
type Exporter struct {
	Root    string  `json:"root" yaml:"root"`
	Command Command `json:"command" yaml:"command"`
}

type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"` // empty => no timeout
}

type Limits struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// Retention controls how long bundles are kept and how often stale ones are swept.
type Retention struct {
	Duration string `json:"duration" yaml:"duration"` // "30m", "1d12h" or milliseconds
	Sweep    string `json:"sweep" yaml:"sweep"`       // cron expression
}

// LoadConfig validates YAML from r against the CUE schema and decodes it to
// Config. Missing fields take the schema defaults.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns the configuration made of schema defaults only.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("{}"))
	if err != nil {
		panic(fmt.Sprintf("config schema defaults: %v", err))
	}
	return *cfg
}

// Validate checks the values which the schema can't, notably the ones set
// from the environment.
func (c Config) Validate() error {
	switch {
	case c.Service.Port <= 0 || c.Service.Port > 65535:
		return fmt.Errorf("%w: service.port %d out of range", ErrInvalidConfig, c.Service.Port)
	case c.Service.DataDir == "":
		return fmt.Errorf("%w: service.data_dir is empty", ErrInvalidConfig)
	case c.Exporter.Command.Path == "":
		return fmt.Errorf("%w: exporter.command.path is empty", ErrInvalidConfig)
	case c.Jobs.Concurrency < 1:
		return fmt.Errorf("%w: jobs.concurrency must be positive", ErrInvalidConfig)
	case c.Downloads.Concurrency < 1:
		return fmt.Errorf("%w: downloads.concurrency must be positive", ErrInvalidConfig)
	}

	u, err := url.Parse(c.Exporter.Root)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: exporter.root %q is not an http(s) url", ErrInvalidConfig, c.Exporter.Root)
	}
	if _, err := c.RetentionDuration(); err != nil {
		return err
	}
	if _, err := c.Exporter.Command.TimeoutDuration(); err != nil {
		return err
	}
	if err := ParseSchedule(c.Retention.Sweep); err != nil {
		return fmt.Errorf("%w: retention.sweep: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) RetentionDuration() (time.Duration, error) {
	d, err := ParseRetention(c.Retention.Duration)
	if err != nil {
		return 0, fmt.Errorf("%w: retention.duration: %w", ErrInvalidConfig, err)
	}
	return d, nil
}

// TimeoutDuration returns zero for an unset timeout.
func (c Command) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := ParseRetention(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: exporter.command.timeout: %w", ErrInvalidConfig, err)
	}
	return d, nil
}

// Redacted returns a copy safe to print or log.
func (c Config) Redacted() Config {
	if c.Service.AdminToken != "" {
		c.Service.AdminToken = "REDACTED"
	}
	return c
}
