package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	gocron "github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moodle-backup/exportd/internal/artifact"
	"github.com/moodle-backup/exportd/internal/fingerprint"
	"github.com/moodle-backup/exportd/internal/gate"
	"github.com/moodle-backup/exportd/internal/log"
	"github.com/moodle-backup/exportd/internal/model"
)

var ErrClosed = errors.New("supervisor closed")

const (
	msgStarted     = "Started"
	msgCompressing = "Compressing ..."
	msgDone        = "Done"
	msgShutdown    = "Export aborted: server is shutting down"
	msgTimeout     = "Export timed out"

	msgPrepareFailed  = "Preparing export failed"
	msgCompressFailed = "Compressing failed"
)

// Supervisor runs exports, at most one per fingerprint, and owns everything
// they leave behind.
type Supervisor struct {
	root      string
	schedule  string
	exporter  Exporter
	store     *artifact.Store
	registry  *Registry
	jobs      *gate.Gate
	downloads *gate.Gate
	retention *Retention
	tracer    trace.Tracer

	// jobs run detached from the request which created them
	ctx    context.Context
	cancel context.CancelFunc
	mx     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Supervisor)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Supervisor) {
		s.tracer = tracer
	}
}

func NewSupervisor(ctx context.Context, cfg model.Config, store *artifact.Store, exporter Exporter, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	after, err := cfg.RetentionDuration()
	if err != nil {
		return nil, fmt.Errorf("retention.duration: %w", err)
	}

	s := &Supervisor{
		root:      cfg.Exporter.Root,
		schedule:  cfg.Retention.Sweep,
		exporter:  exporter,
		store:     store,
		registry:  NewRegistry(),
		jobs:      gate.New("jobs", cfg.Jobs.Concurrency),
		downloads: gate.New("downloads", cfg.Downloads.Concurrency),
		retention: NewRetention(store, after),
		tracer:    otel.Tracer("github.com/moodle-backup/exportd/internal/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return s, nil
}

func (s *Supervisor) Registry() *Registry {
	return s.registry
}

func (s *Supervisor) Retention() *Retention {
	return s.retention
}

// Export subscribes to the export of req. The export is started unless it is
// running already. When the bundle exists, the subscription holds a single
// done message.
func (s *Supervisor) Export(ctx context.Context, req Request) (*Subscription, error) {
	if req.Root == "" {
		req.Root = s.root
	}
	if !sameRoot(req.Root, s.root) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedRoot, req.Root)
	}
	if req.Identity == "" || req.Secret == "" {
		return nil, fmt.Errorf("%w: identity and secret are required", model.ErrInvalidRequest)
	}
	fp := fingerprint.New(s.root, req.Identity, req.Secret)
	ctx = log.ContextAttrs(ctx, slog.String("fingerprint", fp))

	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	exists, err := s.store.BundleExists(fp)
	if err != nil {
		return nil, err
	}
	if exists {
		slog.DebugContext(ctx, "bundle exists", "request", req)
		return completed(Message{Fingerprint: fp, State: StateDone, Message: msgDone}), nil
	}

	job, sub, created := s.registry.Attach(fp, func() *Job { return newJob(fp) })
	if created {
		slog.InfoContext(ctx, "export queued", "request", req)
		s.wg.Go(func() {
			s.run(job, req)
		})
	} else {
		slog.DebugContext(ctx, "attached to a job", "state", job.State(), "subscription", sub.ID())
	}
	return sub, nil
}

func sameRoot(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

func (s *Supervisor) run(job *Job, req Request) {
	fp := job.Fingerprint()
	ctx := log.ContextAttrs(s.ctx, slog.String("fingerprint", fp))
	ctx, span := s.tracer.Start(ctx, "service.Export",
		trace.WithAttributes(attribute.String("fingerprint", fp)))
	defer span.End()

	san := &sanitizer{secret: req.Secret}
	admitted := false
	err := s.jobs.Do(ctx, func(ctx context.Context) error {
		admitted = true
		err := s.execute(ctx, job, req, san)
		// the terminal message goes out before the slot is given to the next job
		s.finish(ctx, job, err, san)
		return err
	})
	if !admitted {
		s.finish(ctx, job, err, san)
	}
	if err != nil {
		span.RecordError(errors.New(san.clean(err.Error())))
		span.SetStatus(codes.Error, "export failed")
	}
}

func (s *Supervisor) execute(ctx context.Context, job *Job, req Request, san *sanitizer) error {
	fp := job.Fingerprint()

	// a bundle which appeared while queued keeps its timer
	kept, err := s.retention.Keep(ctx, fp)
	if err != nil {
		return stageError{msg: msgPrepareFailed, err: err}
	}
	if kept {
		slog.InfoContext(ctx, "bundle appeared while queued")
		return nil
	}

	if err := job.start(msgStarted); err != nil {
		return stageError{msg: msgPrepareFailed, err: err}
	}
	slog.InfoContext(ctx, "export started")
	if _, err := s.store.UpdateRecord(fp, func(r *artifact.Record) {
		r.Username = req.Identity
		r.Exported++
	}); err != nil {
		return stageError{msg: msgPrepareFailed, err: err}
	}

	dir, err := s.store.WorkDir(fp)
	if err != nil {
		return stageError{msg: msgPrepareFailed, err: err}
	}
	san.dir = dir.Root()

	if err := s.export(ctx, job, req, dir, san); err != nil {
		return err
	}

	job.advance(1)
	if err := job.report(msgCompressing); err != nil {
		return stageError{msg: msgCompressFailed, err: err}
	}
	if err := s.bundle(ctx, fp); err != nil {
		return stageError{msg: msgCompressFailed, err: err}
	}
	s.retention.Arm(ctx, fp)
	if err := s.store.RemoveWorkDir(fp); err != nil {
		slog.WarnContext(ctx, "work dir left behind", "error", err)
	}
	return nil
}

// stageError is a failure of exportd itself. Clients get msg only, the
// details are logged.
type stageError struct {
	msg string
	err error
}

func (e stageError) Error() string {
	return e.err.Error()
}

func (e stageError) Unwrap() error {
	return e.err
}

// exportFailure is a failure reported by the exporter itself. Its message is
// already sanitized.
type exportFailure string

func (e exportFailure) Error() string {
	return string(e)
}

func (s *Supervisor) export(ctx context.Context, job *Job, req Request, dir billy.Filesystem, san *sanitizer) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	events := make(chan Event)
	relayed := make(chan error, 1)
	go func() {
		var failure error
		for ev := range events {
			if failure != nil {
				continue
			}
			if err := s.relay(ctx, job, ev, san); err != nil {
				failure = err
				cancel(err)
			}
		}
		relayed <- failure
	}()

	err := s.exporter.Export(ctx, req, dir, events)
	close(events)
	if failure := <-relayed; failure != nil {
		return failure
	}
	return err
}

func (s *Supervisor) relay(ctx context.Context, job *Job, ev Event, san *sanitizer) error {
	switch ev.Kind {
	case EventProgress:
		job.advance(ev.Fraction)
		return nil
	case EventError:
		msg := san.clean(ev.Message)
		slog.DebugContext(ctx, "exporter error", "message", msg)
		return exportFailure(msg)
	case EventInfo, EventSuccess:
		msg := san.clean(ev.Message)
		slog.DebugContext(ctx, "exporter "+string(ev.Kind), "message", msg)
		return job.report(msg)
	case EventWarn:
		msg := san.clean(ev.Message)
		slog.WarnContext(ctx, "exporter warning", "message", msg)
		return job.report(msg)
	default:
		slog.WarnContext(ctx, "unknown exporter event: ignoring", "kind", ev.Kind)
		return nil
	}
}

func (s *Supervisor) bundle(ctx context.Context, fp string) error {
	ctx, span := s.tracer.Start(ctx, "service.Bundle")
	defer span.End()
	start := time.Now()
	if err := s.store.Bundle(ctx, fp); err != nil {
		span.RecordError(err)
		return err
	}
	slog.DebugContext(ctx, "bundle written", "took", time.Since(start).String())
	return nil
}

func (s *Supervisor) finish(ctx context.Context, job *Job, err error, san *sanitizer) {
	fp := job.Fingerprint()
	if err == nil {
		if err := s.registry.finish(job, StateDone, msgDone); err != nil {
			slog.ErrorContext(ctx, "finishing job", "error", err)
			return
		}
		slog.InfoContext(ctx, "export done")
		return
	}

	if rmErr := s.store.RemoveWorkDir(fp); rmErr != nil {
		slog.WarnContext(ctx, "work dir left behind", "error", rmErr)
	}
	msg := s.failureMessage(err, san)
	slog.ErrorContext(ctx, "export failed", "error", san.clean(err.Error()))
	if err := s.registry.finish(job, StateFailed, msg); err != nil {
		slog.ErrorContext(ctx, "finishing job", "error", err)
	}
}

func (s *Supervisor) failureMessage(err error, san *sanitizer) string {
	var failure exportFailure
	var stage stageError
	switch {
	case errors.As(err, &failure):
		return failure.Error()
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		return msgShutdown
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.As(err, &stage):
		return stage.msg
	default:
		return san.clean(err.Error())
	}
}

// Download serves the bundle of fp while holding a downloads slot. The slot is
// released when serve returns. It returns model.ErrNotFound without queueing
// when there is no bundle.
func (s *Supervisor) Download(ctx context.Context, fp string, serve func(billy.File, os.FileInfo) error) error {
	if !fingerprint.Valid(fp) {
		return fmt.Errorf("%w: %q", model.ErrNotFound, fp)
	}
	exists, err := s.store.BundleExists(fp)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bundle %s: %w", fp, model.ErrNotFound)
	}

	ctx = log.ContextAttrs(ctx, slog.String("fingerprint", fp))
	ctx, span := s.tracer.Start(ctx, "service.Download",
		trace.WithAttributes(attribute.String("fingerprint", fp)))
	defer span.End()

	err = s.downloads.Do(ctx, func(ctx context.Context) error {
		// the bundle may have expired while queued
		f, info, err := s.store.OpenBundle(fp)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		rec, err := s.store.UpdateRecord(fp, func(r *artifact.Record) {
			r.Downloaded++
		})
		if err != nil {
			slog.WarnContext(ctx, "download not counted", "error", err)
		}
		slog.InfoContext(ctx, "downloading bundle", "size", info.Size(), "downloaded", rec.Downloaded)
		return serve(f, info)
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
	}
	return err
}

// DeleteBundle removes the bundle of fp ahead of its retention. Deleting a
// missing bundle is a no-op.
func (s *Supervisor) DeleteBundle(ctx context.Context, fp string) error {
	if !fingerprint.Valid(fp) {
		return fmt.Errorf("%w: fingerprint %q", model.ErrInvalidRequest, fp)
	}
	removed, err := s.retention.Delete(fp)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "bundle deleted", "fingerprint", fp, "removed", removed)
	return nil
}

// Sweep removes bundles older than the retention and work directories
// without a job. It reclaims what was left behind by a previous process,
// whose retention timers died with it.
func (s *Supervisor) Sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.Sweep")
	defer span.End()

	bundles, err := s.store.Bundles()
	if err != nil {
		return err
	}
	now := time.Now()
	var errs []error
	var expired, orphans int
	for _, b := range bundles {
		if now.Sub(b.ModTime) < s.retention.After() || s.retention.Pending(b.Fingerprint) {
			continue
		}
		removed, err := s.store.RemoveBundle(b.Fingerprint)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			expired++
			slog.InfoContext(ctx, "stale bundle removed", "fingerprint", b.Fingerprint, "modified", b.ModTime)
		}
	}

	dirs, err := s.store.WorkDirs()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, fp := range dirs {
		s.registry.idle(fp, func() {
			if err := s.store.RemoveWorkDir(fp); err != nil {
				errs = append(errs, err)
				return
			}
			orphans++
			slog.InfoContext(ctx, "orphaned work dir removed", "fingerprint", fp)
		})
	}

	span.SetAttributes(attribute.Int("expired", expired), attribute.Int("orphans", orphans))
	slog.DebugContext(ctx, "sweep finished", "expired", expired, "orphans", orphans)
	return errors.Join(errs...)
}

// Do sweeps once and then on the configured schedule until ctx is done.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	sweep := func() {
		if err := s.Sweep(ctx); err != nil {
			slog.ErrorContext(ctx, "sweep failed", "error", err)
		}
	}

	scheduler, err := newScheduler(ctx, s.schedule, sweep)
	if err != nil {
		return err
	}
	sweep()
	scheduler.Start()
	defer func() {
		err := scheduler.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	<-ctx.Done()
	return nil
}

// Close abandons running and queued jobs, waits until they have delivered
// their terminal message and stops the retention timers.
func (s *Supervisor) Close() {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return
	}
	s.closed = true
	s.mx.Unlock()

	s.cancel()
	s.wg.Wait()
	s.retention.Close()
}

// GateStats describes the occupancy of a gate.
type GateStats struct {
	Capacity int `json:"capacity"`
	Held     int `json:"held"`
	Waiting  int `json:"waiting"`
}

type Stats struct {
	Jobs      int       `json:"jobs"`
	JobGate   GateStats `json:"job_gate"`
	Downloads GateStats `json:"download_gate"`
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		Jobs:      s.registry.Len(),
		JobGate:   gateStats(s.jobs),
		Downloads: gateStats(s.downloads),
	}
}

func gateStats(g *gate.Gate) GateStats {
	return GateStats{
		Capacity: g.Capacity(),
		Held:     g.Held(),
		Waiting:  g.Waiting(),
	}
}

func newScheduler(ctx context.Context, expr string, task func()) (gocron.Scheduler, error) {
	if err := model.ParseSchedule(expr); err != nil {
		return nil, fmt.Errorf("parsing retention.sweep: %w", err)
	}
	job := gocron.CronJob(expr, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", expr)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
