package service

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/moodle-backup/exportd/internal/model"
)

// Command is the external program run by CommandExporter.
type Command struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the environment of exportd
	Timeout time.Duration
}

// NewCommand converts the configured exporter command. Environment values
// starting with $ are expanded from the environment of exportd.
func NewCommand(cfg model.Command) (Command, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return Command{}, err
	}

	var env []string
	if len(cfg.Env) > 0 {
		env = make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env = append(env, strings.ToUpper(k)+"="+v)
		}
		sort.Strings(env)
	}

	return Command{
		Path:    cfg.Path,
		Args:    append([]string(nil), cfg.Args...),
		Env:     env,
		Timeout: timeout,
	}, nil
}
