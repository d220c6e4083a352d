package service

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
)

const msgWaiting = "Waiting ..."

// Job tracks one export of a fingerprint and broadcasts its messages. Every
// subscriber gets the last message on attach and every later one, in order,
// ending with exactly one terminal message.
type Job struct {
	fingerprint string

	mx       sync.Mutex
	state    State
	progress float64
	last     Message
	subs     []*Subscription
}

func newJob(fp string) *Job {
	return &Job{
		fingerprint: fp,
		state:       StateWaiting,
		last:        Message{Fingerprint: fp, State: StateWaiting, Message: msgWaiting},
	}
}

func (j *Job) Fingerprint() string {
	return j.fingerprint
}

func (j *Job) State() State {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state
}

// Progress returns the completed fraction in range [0, 1].
func (j *Job) Progress() float64 {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.progress
}

func (j *Job) Subscribers() int {
	j.mx.Lock()
	defer j.mx.Unlock()
	return len(j.subs)
}

func (j *Job) subscribe() *Subscription {
	sub := newSubscription(j.fingerprint)
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.state.Terminal() {
		sub.push(j.last, true)
		return sub
	}
	sub.detach = j.unsubscribe
	sub.push(j.last, false)
	j.subs = append(j.subs, sub)
	return sub
}

func (j *Job) unsubscribe(sub *Subscription) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.subs = slices.DeleteFunc(j.subs, func(s *Subscription) bool {
		return s == sub
	})
}

// start moves the job to running.
func (j *Job) start(msg string) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if err := j.state.check(StateRunning); err != nil {
		return err
	}
	j.state = StateRunning
	j.broadcastLocked(Message{
		Fingerprint: j.fingerprint,
		State:       StateRunning,
		Message:     j.prefixLocked(msg),
	})
	return nil
}

// report broadcasts msg prefixed by the current percentage.
func (j *Job) report(msg string) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.state != StateRunning {
		return fmt.Errorf("reporting in state %s: %w", j.state, ErrIllegalTransition)
	}
	j.broadcastLocked(Message{
		Fingerprint: j.fingerprint,
		State:       StateRunning,
		Message:     j.prefixLocked(msg),
	})
	return nil
}

// advance records a progress fraction. Values are clamped to [0, 1] and
// progress never goes back.
func (j *Job) advance(fraction float64) {
	fraction = min(max(fraction, 0), 1)
	j.mx.Lock()
	defer j.mx.Unlock()
	if fraction > j.progress {
		j.progress = fraction
	}
}

// terminate moves the job to a terminal state and delivers msg as the last
// message of every subscription.
func (j *Job) terminate(state State, msg string) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrIllegalTransition, state)
	}
	if err := j.state.check(state); err != nil {
		return err
	}
	j.state = state
	if state == StateDone {
		j.progress = 1
	}
	j.last = Message{Fingerprint: j.fingerprint, State: state, Message: msg}
	for _, sub := range j.subs {
		sub.push(j.last, true)
	}
	j.subs = nil
	return nil
}

func (j *Job) broadcastLocked(msg Message) {
	j.last = msg
	for _, sub := range j.subs {
		sub.push(msg, false)
	}
}

func (j *Job) prefixLocked(msg string) string {
	// the epsilon keeps 0.29 from rendering as 28%
	percent := int(math.Floor(j.progress*100 + 1e-9))
	return fmt.Sprintf("%d%% %s", percent, strings.TrimSpace(msg))
}
