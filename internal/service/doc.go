package service

// Package service implements deduplicated, admission controlled execution of
// exports and the lifecycle of the bundles they produce.
//
// Overview
// Every request is reduced to a fingerprint. The Supervisor keeps a Registry
// with at most one Job per fingerprint: the first request creates the Job,
// later ones subscribe to it. A Job waits for a slot of the jobs gate, runs
// the Exporter into a work directory, archives it into a bundle and ends.
//
// A Job broadcasts its progress as Messages. Each subscriber owns a
// Subscription with an unbounded mailbox, so it gets the last message on
// attach and then every message in order, ending with exactly one terminal
// message (done or failed).
//
// CommandExporter is a thin, opinionated wrapper around os/exec:
//   - writes the request to stdin
//   - turns stdout lines into events
//   - logs stderr (extra goroutine)
//   - kills the program and its process group after the configured timeout
//
// Data flow:
//
//   client          Supervisor           Job{fp}              Exporter
//     |                 |                    |                     |
//     | Export() ------>| Attach ----------->| waiting             |
//     |<-- Subscription |                    |                     |
//     |                 | gate.Do ---------->| running ----------->| Export()
//     |<------------------------ Message ----|<------ Event -------|
//     |                 | Bundle             |                     |
//     |                 | Retention.Arm      |                     |
//     |<------------------------ done -------| (unregistered)      |
//
// Invariants:
//   - At most one Job per fingerprint is registered.
//   - Jobs with different fingerprints run in parallel up to the gate capacity.
//   - The terminal message is delivered before the gate slot is released.
//   - A bundle is never visible half written.
//   - The secret never leaves the Exporter, neither in messages nor in logs.
//
// internal/service/supervisor_test.go is the best source about how to properly
// use the Supervisor struct.
