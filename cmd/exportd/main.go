package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/moodle-backup/exportd/internal/log"
	"github.com/moodle-backup/exportd/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/exportd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "exportd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is exportd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, apply the environment, setup logging
	rootCmd.PersistentPreRunE = initExportd

	exportCmd.Flags().StringVar(&flagIdentity, "identity", "", "account to export, the secret is read from "+envSecret+" or stdin")
	exportCmd.Flags().StringVar(&flagRoot, "root", "", "moodle root, defaults to exporter.root")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("exportd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "exportd",
	Short:        "Service exporting moodle course material into downloadable bundles",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve accepts export requests over websocket and serves the bundles",
	RunE:  doServe,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "export runs a single export and prints its progress",
	RunE:  doExport,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "sweep removes expired bundles and stale work directories once",
	RunE:  doSweep,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config.Redacted()); err != nil {
			return fmt.Errorf("formatting configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an exportd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("exportd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("exportd: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initExportd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("EXPORTDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "exportd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// no file means schema defaults, the environment may still override them
	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.String())
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	var err error
	config, err = model.ApplyEnv(viper.New(), config)
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file and environment
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))

	slog.Debug("exportd run", "configPath", configPath)
	slog.Debug("exportd run", "config", config.Redacted())
	return config.Validate()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
