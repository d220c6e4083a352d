package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
)

var ErrExporterFailed = errors.New("exporter failed")

// waitDelay bounds how long output is still read after the program was
// killed or has exited.
const waitDelay = 2 * time.Second

// CommandExporter runs an external program per export.
//
// The program reads the request from stdin as a JSON object with root,
// identity, secret and dir fields, so the secret never shows up in its
// arguments or environment. It writes the export into dir and reports on
// stdout, one JSON encoded Event per line. Lines which are not JSON are
// reported as info. Stderr is logged at debug level. A non-zero exit status
// fails the export.
type CommandExporter struct {
	cmd Command
}

func NewCommandExporter(cmd Command) *CommandExporter {
	return &CommandExporter{cmd: cmd}
}

type exportInput struct {
	Root     string `json:"root"`
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
	Dir      string `json:"dir"`
}

func (e *CommandExporter) Export(ctx context.Context, req Request, dir billy.Filesystem, events chan<- Event) error {
	if e.cmd.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", e.cmd.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cmd.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(exportInput{
		Root:     req.Root,
		Identity: req.Identity,
		Secret:   req.Secret,
		Dir:      dir.Root(),
	})
	if err != nil {
		return fmt.Errorf("encoding exporter input: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd.Path, e.cmd.Args...)
	cmd.Env = e.cmd.Env
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	killGroup(cmd)
	cmd.WaitDelay = waitDelay

	// Wait owns the pipes: it returns once the program exits and its output
	// is copied, or WaitDelay after cancellation at the latest.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var lastErrLine string
	wg.Go(func() {
		lastErrLine = e.processStderr(ctx, stderr, req.Secret)
	})
	wg.Go(func() {
		e.processStdout(ctx, stdout, events)
	})

	err = cmd.Wait()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrExporterFailed, ctxErr)
	}
	if err != nil {
		if lastErrLine != "" {
			return fmt.Errorf("%w: %w: %s", ErrExporterFailed, err, lastErrLine)
		}
		return fmt.Errorf("%w: %w", ErrExporterFailed, err)
	}
	return nil
}

func (e *CommandExporter) processStdout(ctx context.Context, stdout io.Reader, events chan<- Event) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		events <- parseEvent(line)
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stdout", "error", err)
		// drain so the program is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
}

// processStderr logs stderr and returns its last non-empty line.
func (e *CommandExporter) processStderr(ctx context.Context, stderr io.Reader, secret string) string {
	var last string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if secret != "" {
			line = strings.ReplaceAll(line, secret, redacted)
		}
		if strings.TrimSpace(line) != "" {
			last = line
		}
		slog.DebugContext(ctx, "exporter stderr", "line", line)
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
		_, _ = io.Copy(io.Discard, stderr)
	}
	return last
}

func parseEvent(line string) Event {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Kind == "" {
		return Event{Kind: EventInfo, Message: line}
	}
	return ev
}
