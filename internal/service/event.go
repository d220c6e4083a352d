package service

import (
	"context"
	"log/slog"

	"github.com/go-git/go-billy/v5"
)

type EventKind string

const (
	EventInfo     EventKind = "info"
	EventSuccess  EventKind = "success"
	EventWarn     EventKind = "warn"
	EventError    EventKind = "error"
	EventProgress EventKind = "progress"
)

// Event is emitted by an Exporter while it runs. Fraction is only meaningful
// for EventProgress.
type Event struct {
	Kind     EventKind `json:"kind"`
	Message  string    `json:"message,omitempty"`
	Fraction float64   `json:"fraction,omitempty"`
}

// Message is what subscribers of a fingerprint receive.
type Message struct {
	Fingerprint string `json:"fingerprint"`
	State       State  `json:"state"`
	Message     string `json:"message"`
}

// Request asks for an export of everything identity can see on root.
type Request struct {
	Root     string `json:"root,omitempty"`
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

// LogValue never exposes the secret.
func (r Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("root", r.Root),
		slog.String("identity", r.Identity),
	)
}

// Exporter produces the content of an export inside dir. It reports what it
// does through events and must not send on events after it returns. An
// EventError or a non-nil return fails the job.
type Exporter interface {
	Export(ctx context.Context, req Request, dir billy.Filesystem, events chan<- Event) error
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, req Request, dir billy.Filesystem, events chan<- Event) error

func (f ExporterFunc) Export(ctx context.Context, req Request, dir billy.Filesystem, events chan<- Event) error {
	return f(ctx, req, dir, events)
}
