package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/moodle-backup/exportd/internal/api"
	"github.com/moodle-backup/exportd/internal/artifact"
	"github.com/moodle-backup/exportd/internal/log"
	"github.com/moodle-backup/exportd/internal/service"
)

const envSecret = "EXPORTD_SECRET"

var (
	flagIdentity string // value of export --identity flag
	flagRoot     string // value of export --root flag
)

var errExportFailed = errors.New("export failed")

func newSupervisor(ctx context.Context) (*service.Supervisor, error) {
	store, err := artifact.Open(config.Service.DataDir)
	if err != nil {
		return nil, err
	}
	cmd, err := service.NewCommand(config.Exporter.Command)
	if err != nil {
		return nil, err
	}
	return service.NewSupervisor(ctx, config, store, service.NewCommandExporter(cmd))
}

func withAttrs(ctx context.Context, name string) context.Context {
	return log.ContextAttrs(ctx, slog.Group("exportd",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := withAttrs(cmd.Context(), "serve")
	supervisor, err := newSupervisor(ctx)
	if err != nil {
		return err
	}
	defer supervisor.Close()

	var opts []api.Option
	if config.Service.AdminToken != "" {
		opts = append(opts, api.WithAdminToken(config.Service.AdminToken))
	}
	server := api.NewServer(supervisor, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx, ":"+strconv.Itoa(config.Service.Port))
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func doExport(cmd *cobra.Command, _ []string) error {
	ctx := withAttrs(cmd.Context(), "export")
	secret, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}

	supervisor, err := newSupervisor(ctx)
	if err != nil {
		return err
	}
	defer supervisor.Close()

	sub, err := supervisor.Export(ctx, service.Request{
		Root:     flagRoot,
		Identity: flagIdentity,
		Secret:   secret,
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	var last service.Message
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Events():
			if !ok {
				if last.State != service.StateDone {
					return fmt.Errorf("%w: %s", errExportFailed, last.Message)
				}
				slog.InfoContext(ctx, "bundle ready", "fingerprint", last.Fingerprint, "data_dir", config.Service.DataDir)
				return nil
			}
			last = msg
			if err := enc.Encode(msg); err != nil {
				return fmt.Errorf("writing progress: %w", err)
			}
		}
	}
}

func readSecret(stdin io.Reader) (string, error) {
	if secret, ok := os.LookupEnv(envSecret); ok {
		return secret, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func doSweep(cmd *cobra.Command, _ []string) error {
	ctx := withAttrs(cmd.Context(), "sweep")
	supervisor, err := newSupervisor(ctx)
	if err != nil {
		return err
	}
	defer supervisor.Close()
	return supervisor.Sweep(ctx)
}
